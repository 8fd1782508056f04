// Package imap syncs password-based mailboxes, either through the IMAP relay service or by
// speaking IMAP directly.
package imap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/normalize"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const flagSeen = `\Seen`

// FetchRequest describes one mailbox read.
type FetchRequest struct {
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Secure    bool       `json:"secure"`
	Username  string     `json:"username"`
	Password  string     `json:"password"`
	Mailboxes []string   `json:"mailboxes"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit"`
}

// RawMessage is a message as the server stores it.
type RawMessage struct {
	UID          uint32    `json:"uid"`
	UIDValidity  uint32    `json:"uidValidity,omitempty"`
	Mailbox      string    `json:"mailbox"`
	Flags        []string  `json:"flags"`
	InternalDate time.Time `json:"internalDate"`
	Raw          []byte    `json:"raw"`
}

// Transport fetches raw messages. A rejected login wraps sync.ErrAuthRejected.
type Transport interface {
	Fetch(ctx context.Context, req FetchRequest) ([]RawMessage, error)
}

// Adapter implements sync.MailProvider for password credentials.
type Adapter struct {
	transport Transport
	limit     int
	logger    zerolog.Logger
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithLimit caps the messages read per mailbox.
func WithLimit(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.limit = n
		}
	}
}

// New creates an IMAP adapter over transport.
func New(transport Transport, opts ...Option) *Adapter {
	a := &Adapter{
		transport: transport,
		limit:     sync.DefaultMaxPages * sync.DefaultPageSize,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FetchNewMessages reads the configured mailboxes plus the sent mailbox.
func (a *Adapter) FetchNewMessages(ctx context.Context, cred *sync.Credential, since *time.Time) ([]sync.NormalizedMessage, error) {
	if cred == nil || cred.IMAP == nil || cred.Password == "" {
		return nil, errors.New("imap: credential has no connection config or password")
	}
	cfg := cred.IMAP
	if cfg.Host == "" || cfg.Username == "" {
		return nil, errors.New("imap: host and username are required")
	}

	raws, err := a.transport.Fetch(ctx, FetchRequest{
		Host:      cfg.Host,
		Port:      cfg.Port,
		Secure:    cfg.Secure,
		Username:  cfg.Username,
		Password:  cred.Password,
		Mailboxes: mailboxes(cfg),
		Since:     since,
		Limit:     a.limit,
	})
	if err != nil {
		if errors.Is(err, sync.ErrAuthRejected) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: imap: %w", sync.ErrProviderFetch, err)
	}

	out := make([]sync.NormalizedMessage, 0, len(raws))
	for _, raw := range raws {
		nm, err := a.normalize(raw, cfg)
		if err != nil {
			a.logger.Warn().Err(err).Str("mailbox", raw.Mailbox).Uint32("uid", raw.UID).Msg("skipping unparseable message")
			continue
		}
		out = append(out, nm)
	}
	return out, nil
}

func (a *Adapter) normalize(raw RawMessage, cfg *sync.IMAPConfig) (sync.NormalizedMessage, error) {
	parsed, err := normalize.ParseMIME(raw.Raw)
	if err != nil {
		return sync.NormalizedMessage{}, err
	}

	id := parsed.MessageID
	if id == "" {
		id = fmt.Sprintf("%s:%d:%d", raw.Mailbox, raw.UIDValidity, raw.UID)
	}
	sentAt := raw.InternalDate.UTC()
	if sentAt.IsZero() {
		sentAt = parsed.Date
	}

	body, isHTML := parsed.Body()
	if isHTML {
		body = normalize.SanitizeBody(body)
	}

	nm := sync.NormalizedMessage{
		ProviderMessageID: id,
		Mailbox:           raw.Mailbox,
		Subject:           parsed.Subject,
		Body:              body,
		Preview:           normalize.Preview(body, isHTML),
		SentAt:            sentAt,
		SenderName:        parsed.FromName,
		SenderEmail:       parsed.FromEmail,
		Status:            sync.StatusUnread,
		Direction:         sync.DirectionInbound,
	}
	for _, f := range raw.Flags {
		if strings.EqualFold(f, flagSeen) {
			nm.Status = sync.StatusRead
		}
	}
	if (cfg.SentBox != "" && strings.EqualFold(raw.Mailbox, cfg.SentBox)) || normalize.SameAddress(nm.SenderEmail, cfg.Username) {
		nm.Direction = sync.DirectionOutbound
	}
	return nm, nil
}

func mailboxes(cfg *sync.IMAPConfig) []string {
	boxes := cfg.Mailboxes
	if len(boxes) == 0 {
		boxes = []string{"INBOX"}
	}
	out := append([]string(nil), boxes...)
	if cfg.SentBox == "" {
		return out
	}
	for _, b := range out {
		if strings.EqualFold(b, cfg.SentBox) {
			return out
		}
	}
	return append(out, cfg.SentBox)
}
