package outlook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/sync"
)

type fakeGraph struct {
	owner       string
	sentID      string
	pages       [][]models.Messageable
	listErr     error
	attachments map[string][]models.Attachmentable
	sinceSeen   []*time.Time
	attCalls    int
}

func (f *fakeGraph) Owner(context.Context) (string, error) { return f.owner, nil }

func (f *fakeGraph) SentFolderID(context.Context) (string, error) {
	if f.sentID == "" {
		return "", errors.New("no folder")
	}
	return f.sentID, nil
}

func (f *fakeGraph) ListMessages(_ context.Context, since *time.Time, _ int32, next string) ([]models.Messageable, string, error) {
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	f.sinceSeen = append(f.sinceSeen, since)
	idx := 0
	if next != "" {
		idx = int(next[0] - '0')
	}
	if idx >= len(f.pages) {
		return nil, "", nil
	}
	link := ""
	if idx+1 < len(f.pages) {
		link = string(rune('0' + idx + 1))
	}
	return f.pages[idx], link, nil
}

func (f *fakeGraph) Attachments(_ context.Context, id string) ([]models.Attachmentable, error) {
	f.attCalls++
	return f.attachments[id], nil
}

func str(s string) *string { return &s }

func message(id, fromAddr, folder string, read bool, at time.Time, html string) models.Messageable {
	m := models.NewMessage()
	m.SetId(str(id))
	m.SetConversationId(str("conv-" + id))
	m.SetSubject(str("subject " + id))
	m.SetParentFolderId(str(folder))
	m.SetIsRead(&read)
	m.SetReceivedDateTime(&at)
	m.SetBodyPreview(str("preview " + id))

	addr := models.NewEmailAddress()
	addr.SetAddress(str(fromAddr))
	addr.SetName(str("Name " + id))
	from := models.NewRecipient()
	from.SetEmailAddress(addr)
	m.SetFrom(from)

	body := models.NewItemBody()
	ct := models.HTML_BODYTYPE
	body.SetContentType(&ct)
	body.SetContent(str(html))
	m.SetBody(body)
	return m
}

func newTestAdapter(api *fakeGraph, opts ...Option) *Adapter {
	opts = append(opts, withAPIFactory(func(string) (graphAPI, error) { return api, nil }))
	return New(nil, opts...)
}

var cred = &sync.Credential{UserID: "u1", Provider: sync.ProviderOutlook, RefreshToken: "r", AccessToken: "a"}

func TestFetchNormalizesPages(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	api := &fakeGraph{
		owner:  "Me@Contoso.com",
		sentID: "sent-folder",
		pages: [][]models.Messageable{
			{message("m1", "Client@Example.com", "inbox", false, at, "<p>Hi <b>there</b></p>")},
			{
				message("m2", "me@contoso.com", "inbox", true, at.Add(time.Hour), "<p>reply</p>"),
				message("m3", "other@example.com", "sent-folder", true, at.Add(2*time.Hour), "<p>forwarded</p>"),
			},
		},
	}

	msgs, err := newTestAdapter(api).FetchNewMessages(context.Background(), cred, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	require.Equal(t, "m1", msgs[0].ProviderMessageID)
	require.Equal(t, "client@example.com", msgs[0].SenderEmail)
	require.Equal(t, "Name m1", msgs[0].SenderName)
	require.Equal(t, sync.StatusUnread, msgs[0].Status)
	require.Equal(t, sync.DirectionInbound, msgs[0].Direction)
	require.Equal(t, "Hi there", msgs[0].Preview)
	require.Equal(t, time.UTC, msgs[0].SentAt.Location())
	require.True(t, msgs[0].SentAt.Equal(at))
	require.Equal(t, "conv-m1", msgs[0].ThreadID)

	require.Equal(t, sync.StatusRead, msgs[1].Status)
	require.Equal(t, sync.DirectionOutbound, msgs[1].Direction)
	require.Equal(t, sync.DirectionOutbound, msgs[2].Direction)
}

func TestFetchPassesWatermark(t *testing.T) {
	api := &fakeGraph{owner: "me@contoso.com"}
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := newTestAdapter(api).FetchNewMessages(context.Background(), cred, &since)
	require.NoError(t, err)
	require.Len(t, api.sinceSeen, 1)
	require.Equal(t, since, *api.sinceSeen[0])
}

func TestFetchStopsAtMaxPages(t *testing.T) {
	at := time.Now().UTC()
	api := &fakeGraph{
		owner: "me@contoso.com",
		pages: [][]models.Messageable{
			{message("m1", "a@example.com", "inbox", true, at, "x")},
			{message("m2", "a@example.com", "inbox", true, at, "x")},
		},
	}
	msgs, err := newTestAdapter(api, WithPaging(1, 50)).FetchNewMessages(context.Background(), cred, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestFetchListErrorIsProviderError(t *testing.T) {
	api := &fakeGraph{owner: "me@contoso.com", listErr: errors.New("throttled")}
	_, err := newTestAdapter(api).FetchNewMessages(context.Background(), cred, nil)
	require.ErrorIs(t, err, sync.ErrProviderFetch)
}

func TestInlineAttachmentsOnlyWhenReferenced(t *testing.T) {
	at := time.Now().UTC()
	logo := models.NewFileAttachment()
	logo.SetContentId(str("<logo@contoso>"))
	logo.SetContentType(str("image/png"))
	logo.SetContentBytes([]byte("\x89PNG\r\n\x1a\n"))
	inline := true
	logo.SetIsInline(&inline)

	api := &fakeGraph{
		owner: "me@contoso.com",
		pages: [][]models.Messageable{{
			message("with-cid", "a@example.com", "inbox", true, at, `<p>logo <img src="cid:logo@contoso"></p>`),
			message("no-cid", "a@example.com", "inbox", true, at, `<p>plain</p>`),
		}},
		attachments: map[string][]models.Attachmentable{"with-cid": {logo}},
	}
	msgs, err := newTestAdapter(api).FetchNewMessages(context.Background(), cred, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, 1, api.attCalls)
	require.Contains(t, msgs[0].Body, "data:image/png;base64,")
	require.NotContains(t, msgs[0].Body, "cid:")
}

func TestTextBodyKeptVerbatim(t *testing.T) {
	m := message("t1", "a@example.com", "inbox", true, time.Now(), "a < b")
	ct := models.TEXT_BODYTYPE
	m.GetBody().SetContentType(&ct)
	nm, ok := newTestAdapter(&fakeGraph{}).normalize(context.Background(), &fakeGraph{}, m, "me@contoso.com", "")
	require.True(t, ok)
	require.Equal(t, "a < b", nm.Body)
	require.Equal(t, "a < b", nm.Preview)
}

func TestMessagesWithoutIDAreSkipped(t *testing.T) {
	m := models.NewMessage()
	_, ok := newTestAdapter(&fakeGraph{}).normalize(context.Background(), &fakeGraph{}, m, "", "")
	require.False(t, ok)
}
