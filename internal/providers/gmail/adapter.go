package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/normalize"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// gmailAPI is the subset of the Gmail service the adapter calls.
type gmailAPI interface {
	ListMessages(ctx context.Context, query, pageToken string, pageSize int64) (*gmail.ListMessagesResponse, error)
	GetMessage(ctx context.Context, id string) (*gmail.Message, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*gmail.MessagePartBody, error)
}

type stream struct {
	mailbox string
	query   string
}

var streams = []stream{
	{mailbox: "INBOX", query: "in:inbox"},
	{mailbox: "SENT", query: "in:sent"},
}

// Adapter implements sync.MailProvider and sync.TokenRefresher for Gmail.
type Adapter struct {
	refresher sync.TokenRefresher
	newAPI    func(ctx context.Context, accessToken string) (gmailAPI, error)
	maxPages  int
	pageSize  int64
	logger    zerolog.Logger
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithPaging sets the list page size and how many pages each stream reads on a first sync.
// With a watermark every page is read, bounded only by the run deadline.
func WithPaging(maxPages, pageSize int) Option {
	return func(a *Adapter) {
		if maxPages > 0 {
			a.maxPages = maxPages
		}
		if pageSize > 0 {
			a.pageSize = int64(pageSize)
		}
	}
}

func withAPIFactory(f func(ctx context.Context, accessToken string) (gmailAPI, error)) Option {
	return func(a *Adapter) { a.newAPI = f }
}

// New creates a Gmail adapter that refreshes tokens through refresher.
func New(refresher sync.TokenRefresher, opts ...Option) *Adapter {
	a := &Adapter{
		refresher: refresher,
		newAPI:    newServiceAPI,
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

// FetchNewMessages reads the inbox and sent streams concurrently. One failing stream
// degrades the result; both failing is an error.
func (a *Adapter) FetchNewMessages(ctx context.Context, cred *sync.Credential, since *time.Time) ([]sync.NormalizedMessage, error) {
	if cred == nil || cred.AccessToken == "" {
		return nil, errors.New("gmail: no access token")
	}
	api, err := a.newAPI(ctx, cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("gmail client: %w", err)
	}

	p := pool.NewWithResults[[]sync.NormalizedMessage]().WithErrors()
	for _, s := range streams {
		s := s
		p.Go(func() ([]sync.NormalizedMessage, error) {
			msgs, err := a.fetchStream(ctx, api, s, since)
			if err != nil {
				return nil, fmt.Errorf("%s stream: %w", s.query, err)
			}
			return msgs, nil
		})
	}
	batches, err := p.Wait()
	if err != nil {
		if len(batches) == 0 {
			return nil, fmt.Errorf("%w: gmail: %w", sync.ErrProviderFetch, err)
		}
		a.logger.Warn().Err(err).Str("user_id", cred.UserID).Msg("gmail stream failed, continuing with partial result")
	}

	seen := make(map[string]struct{})
	var out []sync.NormalizedMessage
	for _, batch := range batches {
		for _, m := range batch {
			if _, dup := seen[m.ProviderMessageID]; dup {
				continue
			}
			seen[m.ProviderMessageID] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *Adapter) fetchStream(ctx context.Context, api gmailAPI, s stream, since *time.Time) ([]sync.NormalizedMessage, error) {
	query := s.query
	if since != nil {
		query = fmt.Sprintf("%s after:%d", query, since.Unix())
	}

	var out []sync.NormalizedMessage
	pageToken := ""
	// Listing is newest first: after a watermark the whole backlog must be read.
	for page := 0; since != nil || page < a.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := api.ListMessages(ctx, query, pageToken, a.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, ref := range resp.Messages {
			msg, err := api.GetMessage(ctx, ref.Id)
			if err != nil {
				if notFound(err) {
					continue
				}
				return nil, fmt.Errorf("get message %s: %w", ref.Id, err)
			}
			out = append(out, a.normalize(ctx, api, msg, s.mailbox))
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return out, nil
}

func (a *Adapter) normalize(ctx context.Context, api gmailAPI, m *gmail.Message, mailbox string) sync.NormalizedMessage {
	var c content
	c.inline = make(map[string]normalize.InlinePart)
	c.walk(m.Payload)

	for _, cid := range normalize.ContentIDRefs(c.html) {
		if _, ok := c.inline[cid]; ok {
			continue
		}
		ref, ok := c.pendingRef(cid)
		if !ok {
			continue
		}
		att, err := api.GetAttachment(ctx, m.Id, ref.attachmentID)
		if err != nil {
			a.logger.Debug().Err(err).Str("message_id", m.Id).Msg("inline attachment fetch failed")
			continue
		}
		if data, ok := decodeBody(att.Data); ok {
			c.inline[cid] = normalize.InlinePart{ContentType: ref.mimeType, Data: data}
		}
	}

	body, isHTML := normalize.ChooseBody(c.html, c.text)
	if isHTML {
		body = normalize.SanitizeBody(normalize.InlineContentIDs(body, c.inline))
	}

	var headers []*gmail.MessagePartHeader
	if m.Payload != nil {
		headers = m.Payload.Headers
	}
	name, email := normalize.ParseAddress(header(headers, "From"))

	nm := sync.NormalizedMessage{
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		Mailbox:           mailbox,
		Subject:           header(headers, "Subject"),
		Body:              body,
		Preview:           normalize.PreviewOrSnippet(body, isHTML, m.Snippet),
		SentAt:            time.UnixMilli(m.InternalDate).UTC(),
		SenderName:        name,
		SenderEmail:       email,
		Status:            sync.StatusRead,
		Direction:         sync.DirectionInbound,
	}
	for _, label := range m.LabelIds {
		switch label {
		case "UNREAD":
			nm.Status = sync.StatusUnread
		case "SENT":
			nm.Direction = sync.DirectionOutbound
		}
	}
	return nm
}

type attachmentRef struct {
	attachmentID string
	mimeType     string
}

// content accumulates the bodies and inline parts of a MIME tree.
type content struct {
	html, text string
	inline     map[string]normalize.InlinePart
	pending    map[string]attachmentRef
}

func (c *content) pendingRef(cid string) (attachmentRef, bool) {
	if ref, ok := c.pending[cid]; ok {
		return ref, true
	}
	for id, ref := range c.pending {
		if strings.EqualFold(id, cid) {
			return ref, true
		}
	}
	return attachmentRef{}, false
}

func (c *content) walk(part *gmail.MessagePart) {
	if part == nil {
		return
	}
	mimeType := strings.ToLower(part.MimeType)
	cid := normalize.NormalizeContentID(header(part.Headers, "Content-ID"))

	switch {
	case strings.HasPrefix(mimeType, "multipart/"):
		for _, child := range part.Parts {
			c.walk(child)
		}
		return
	case cid != "" && !strings.HasPrefix(mimeType, "text/"):
		if part.Body == nil {
			return
		}
		if data, ok := decodeBody(part.Body.Data); ok && len(data) > 0 {
			c.inline[cid] = normalize.InlinePart{ContentType: mimeType, Data: data}
		} else if part.Body.AttachmentId != "" {
			if c.pending == nil {
				c.pending = make(map[string]attachmentRef)
			}
			c.pending[cid] = attachmentRef{attachmentID: part.Body.AttachmentId, mimeType: mimeType}
		}
		return
	case part.Filename != "":
		return
	}

	if part.Body == nil {
		return
	}
	data, ok := decodeBody(part.Body.Data)
	if !ok {
		return
	}
	switch mimeType {
	case "text/html":
		if c.html == "" {
			c.html = string(data)
		}
	case "text/plain":
		if c.text == "" {
			c.text = string(data)
		}
	}
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// decodeBody accepts the padded and unpadded base64url variants Gmail returns.
func decodeBody(data string) ([]byte, bool) {
	if data == "" {
		return nil, false
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, true
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return b, true
	}
	return nil, false
}

func notFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

type serviceAPI struct {
	svc *gmail.Service
}

func newServiceAPI(ctx context.Context, accessToken string) (gmailAPI, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &serviceAPI{svc: svc}, nil
}

func (s *serviceAPI) ListMessages(ctx context.Context, query, pageToken string, pageSize int64) (*gmail.ListMessagesResponse, error) {
	call := s.svc.Users.Messages.List("me").Q(query).MaxResults(pageSize).IncludeSpamTrash(false)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Context(ctx).Do()
}

func (s *serviceAPI) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	return s.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
}

func (s *serviceAPI) GetAttachment(ctx context.Context, messageID, attachmentID string) (*gmail.MessagePartBody, error) {
	return s.svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
}
