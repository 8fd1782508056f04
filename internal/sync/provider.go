package sync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ProviderName identifies a connected integration.
type ProviderName string

const (
	ProviderGmail   ProviderName = "gmail"
	ProviderOutlook ProviderName = "outlook"
	ProviderIMAP    ProviderName = "imap"

	// Calendar integrations share the dispatch path but carry no mail.
	ProviderGoogleCalendar  ProviderName = "google_calendar"
	ProviderOutlookCalendar ProviderName = "outlook_calendar"
)

// UsesOAuth reports whether the provider's credentials are refresh tokens rather than passwords.
func (p ProviderName) UsesOAuth() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// ParseProviderName normalizes a provider value from a job request.
func ParseProviderName(s string) ProviderName {
	return ProviderName(strings.ToLower(strings.TrimSpace(s)))
}

// Status is the read state of a message.
type Status string

const (
	StatusRead   Status = "read"
	StatusUnread Status = "unread"
)

// Direction tells whether the user received or sent a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// NormalizedMessage is the provider-agnostic record every adapter produces.
type NormalizedMessage struct {
	ProviderMessageID string
	ThreadID          string
	Mailbox           string
	Subject           string
	Body              string
	Preview           string
	SentAt            time.Time
	SenderName        string
	SenderEmail       string
	Status            Status
	Direction         Direction
}

// IMAPConfig is the connection part of a password credential.
type IMAPConfig struct {
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Secure    bool     `json:"secure"`
	Username  string   `json:"username"`
	Mailboxes []string `json:"mailboxes,omitempty"`
	SentBox   string   `json:"sent_mailbox,omitempty"`
}

// Credential is decrypted credential material for one (user, provider).
// Exactly one of RefreshToken or Password is set.
type Credential struct {
	UserID       string
	Provider     ProviderName
	RefreshToken string
	AccessToken  string
	Password     string
	IMAP         *IMAPConfig
}

// IsOAuth reports whether the credential must be exchanged for an access token.
func (c *Credential) IsOAuth() bool {
	return c != nil && c.RefreshToken != ""
}

// String keeps secrets out of %v formatting.
func (c *Credential) String() string {
	if c == nil {
		return "<nil credential>"
	}
	kind := "password"
	if c.IsOAuth() {
		kind = "oauth"
	}
	return fmt.Sprintf("credential{user=%s provider=%s kind=%s}", c.UserID, c.Provider, kind)
}

// Paging bounds for a first sync, when there is no watermark.
const (
	DefaultMaxPages = 10
	DefaultPageSize = 100
)

// MailProvider fetches messages newer than a watermark.
// A nil since means full history, bounded by the adapter's own page limit.
type MailProvider interface {
	FetchNewMessages(ctx context.Context, cred *Credential, since *time.Time) ([]NormalizedMessage, error)
}

// TokenRefresher is implemented by OAuth adapters.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (string, error)
}

// ProviderFactory builds an adapter for a provider.
type ProviderFactory func() (MailProvider, error)

// Registry maps provider names to adapter constructors.
type Registry struct {
	factories map[ProviderName]ProviderFactory
	nonMail   map[ProviderName]struct{}
}

// NewRegistry creates a registry that knows the calendar providers as non-mail.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[ProviderName]ProviderFactory),
		nonMail: map[ProviderName]struct{}{
			ProviderGoogleCalendar:  {},
			ProviderOutlookCalendar: {},
		},
	}
}

// Register adds or replaces a mail adapter constructor.
func (r *Registry) Register(name ProviderName, factory ProviderFactory) {
	r.factories[name] = factory
}

// IsNonMail reports whether the provider is known but carries no mail.
func (r *Registry) IsNonMail(name ProviderName) bool {
	_, ok := r.nonMail[name]
	return ok
}

// Lookup returns the factory for a mail provider.
func (r *Registry) Lookup(name ProviderName) (ProviderFactory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// Providers lists the registered mail providers in name order.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, string(name))
	}
	slices.Sort(names)
	return names
}
