package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/normalize"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var messageFields = []string{
	"id", "conversationId", "subject", "body", "bodyPreview", "from", "sender",
	"isRead", "receivedDateTime", "sentDateTime", "parentFolderId", "hasAttachments",
}

// graphAPI is the subset of Microsoft Graph the adapter calls.
type graphAPI interface {
	// Owner returns the mailbox owner's address.
	Owner(ctx context.Context) (string, error)
	SentFolderID(ctx context.Context) (string, error)
	// ListMessages returns one page and the next link, empty on the last page.
	ListMessages(ctx context.Context, since *time.Time, pageSize int32, nextLink string) ([]models.Messageable, string, error)
	Attachments(ctx context.Context, messageID string) ([]models.Attachmentable, error)
}

// Adapter implements sync.MailProvider and sync.TokenRefresher for Outlook.
type Adapter struct {
	refresher sync.TokenRefresher
	newAPI    func(accessToken string) (graphAPI, error)
	maxPages  int
	pageSize  int32
	logger    zerolog.Logger
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithPaging bounds how many pages a run reads.
func WithPaging(maxPages, pageSize int) Option {
	return func(a *Adapter) {
		if maxPages > 0 {
			a.maxPages = maxPages
		}
		if pageSize > 0 {
			a.pageSize = int32(pageSize)
		}
	}
}

func withAPIFactory(f func(accessToken string) (graphAPI, error)) Option {
	return func(a *Adapter) { a.newAPI = f }
}

// New creates an Outlook adapter that refreshes tokens through refresher.
func New(refresher sync.TokenRefresher, opts ...Option) *Adapter {
	a := &Adapter{
		refresher: refresher,
		newAPI:    newGraphClient,
		maxPages:  sync.DefaultMaxPages,
		pageSize:  sync.DefaultPageSize,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RefreshAccessToken exchanges the stored refresh token.
func (a *Adapter) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	return a.refresher.RefreshAccessToken(ctx, refreshToken)
}

// FetchNewMessages pages through /me/messages received after since.
func (a *Adapter) FetchNewMessages(ctx context.Context, cred *sync.Credential, since *time.Time) ([]sync.NormalizedMessage, error) {
	if cred == nil || cred.AccessToken == "" {
		return nil, errors.New("outlook: no access token")
	}
	api, err := a.newAPI(cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("graph client: %w", err)
	}

	owner, err := api.Owner(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: outlook profile: %v", sync.ErrProviderFetch, err)
	}
	sentID, err := api.SentFolderID(ctx)
	if err != nil {
		a.logger.Debug().Err(err).Msg("sent items folder lookup failed, using sender address only")
	}

	var out []sync.NormalizedMessage
	next := ""
	for page := 0; page < a.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, link, err := api.ListMessages(ctx, since, a.pageSize, next)
		if err != nil {
			return nil, fmt.Errorf("%w: outlook list messages: %v", sync.ErrProviderFetch, err)
		}
		for _, m := range msgs {
			nm, ok := a.normalize(ctx, api, m, owner, sentID)
			if ok {
				out = append(out, nm)
			}
		}
		if link == "" {
			break
		}
		next = link
	}
	return out, nil
}

func (a *Adapter) normalize(ctx context.Context, api graphAPI, m models.Messageable, owner, sentID string) (sync.NormalizedMessage, bool) {
	id := deref(m.GetId())
	if id == "" {
		return sync.NormalizedMessage{}, false
	}

	nm := sync.NormalizedMessage{
		ProviderMessageID: id,
		ThreadID:          deref(m.GetConversationId()),
		Mailbox:           deref(m.GetParentFolderId()),
		Subject:           deref(m.GetSubject()),
		Status:            sync.StatusUnread,
		Direction:         sync.DirectionInbound,
	}
	if read := m.GetIsRead(); read != nil && *read {
		nm.Status = sync.StatusRead
	}
	if t := m.GetReceivedDateTime(); t != nil {
		nm.SentAt = t.UTC()
	} else if t := m.GetSentDateTime(); t != nil {
		nm.SentAt = t.UTC()
	}

	from := m.GetFrom()
	if from == nil {
		from = m.GetSender()
	}
	if from != nil && from.GetEmailAddress() != nil {
		addr := from.GetEmailAddress()
		nm.SenderName = deref(addr.GetName())
		nm.SenderEmail = strings.ToLower(strings.TrimSpace(deref(addr.GetAddress())))
	}
	if normalize.SameAddress(nm.SenderEmail, owner) || (sentID != "" && nm.Mailbox == sentID) {
		nm.Direction = sync.DirectionOutbound
	}

	body, isHTML := "", false
	if b := m.GetBody(); b != nil {
		body = deref(b.GetContent())
		isHTML = b.GetContentType() != nil && *b.GetContentType() == models.HTML_BODYTYPE
	}
	if isHTML {
		if normalize.HasContentIDRefs(body) {
			body = normalize.InlineContentIDs(body, a.inlineParts(ctx, api, id))
		}
		body = normalize.SanitizeBody(body)
	}
	nm.Body = body
	nm.Preview = normalize.PreviewOrSnippet(body, isHTML, deref(m.GetBodyPreview()))
	return nm, true
}

func (a *Adapter) inlineParts(ctx context.Context, api graphAPI, messageID string) map[string]normalize.InlinePart {
	atts, err := api.Attachments(ctx, messageID)
	if err != nil {
		a.logger.Debug().Err(err).Str("message_id", messageID).Msg("inline attachment fetch failed")
		return nil
	}
	parts := make(map[string]normalize.InlinePart)
	for _, att := range atts {
		file, ok := att.(models.FileAttachmentable)
		if !ok {
			continue
		}
		cid := normalize.NormalizeContentID(deref(file.GetContentId()))
		if cid == "" || len(file.GetContentBytes()) == 0 {
			continue
		}
		if inline := file.GetIsInline(); inline != nil && !*inline {
			continue
		}
		parts[cid] = normalize.InlinePart{
			ContentType: strings.ToLower(deref(file.GetContentType())),
			Data:        file.GetContentBytes(),
		}
	}
	return parts
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// graphClient calls Microsoft Graph through the SDK with a per-run access token.
type graphClient struct {
	client *msgraphsdk.GraphServiceClient
}

func newGraphClient(accessToken string) (graphAPI, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&staticTokenCredential{token: accessToken}, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &graphClient{client: client}, nil
}

func (g *graphClient) Owner(ctx context.Context) (string, error) {
	me, err := g.client.Me().Get(ctx, nil)
	if err != nil {
		return "", err
	}
	if mail := deref(me.GetMail()); mail != "" {
		return mail, nil
	}
	return deref(me.GetUserPrincipalName()), nil
}

func (g *graphClient) SentFolderID(ctx context.Context) (string, error) {
	folder, err := g.client.Me().MailFolders().ByMailFolderId("sentitems").Get(ctx, nil)
	if err != nil {
		return "", err
	}
	return deref(folder.GetId()), nil
}

func (g *graphClient) ListMessages(ctx context.Context, since *time.Time, pageSize int32, nextLink string) ([]models.Messageable, string, error) {
	builder := g.client.Me().Messages()
	var config *users.ItemMessagesRequestBuilderGetRequestConfiguration
	if nextLink != "" {
		builder = builder.WithUrl(nextLink)
	} else {
		params := &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &pageSize,
			Select:  messageFields,
			Orderby: []string{"receivedDateTime desc"},
		}
		if since != nil {
			filter := "receivedDateTime gt " + since.UTC().Format(time.RFC3339)
			params.Filter = &filter
			params.Orderby = []string{"receivedDateTime asc"}
		}
		config = &users.ItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params}
	}

	result, err := builder.Get(ctx, config)
	if err != nil {
		return nil, "", err
	}
	return result.GetValue(), deref(result.GetOdataNextLink()), nil
}

func (g *graphClient) Attachments(ctx context.Context, messageID string) ([]models.Attachmentable, error) {
	result, err := g.client.Me().Messages().ByMessageId(messageID).Attachments().Get(ctx, nil)
	if err != nil {
		return nil, err
	}
	return result.GetValue(), nil
}

// staticTokenCredential hands the refreshed access token to the SDK's auth provider.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(time.Hour),
	}, nil
}
