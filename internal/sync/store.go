package sync

import (
	"context"
	"time"
)

// MessageStore is the read/write contract against the message, team and blacklist tables.
type MessageStore interface {
	// LastSyncDate returns max(sent_at) for (user, provider), or nil when nothing is stored.
	LastSyncDate(ctx context.Context, userID string, provider ProviderName) (*time.Time, error)

	// TeamsForUser resolves team membership.
	TeamsForUser(ctx context.Context, userID string) ([]string, error)

	// BlacklistForTeams returns the suppressed sender addresses across teams.
	BlacklistForTeams(ctx context.Context, teamIDs []string) ([]string, error)

	// InsertMessages inserts msgs, ignoring key conflicts, and returns the rows actually inserted.
	// Each inserted row gets an outbox entry in the same transaction.
	InsertMessages(ctx context.Context, userID string, provider ProviderName, msgs []NormalizedMessage) ([]NormalizedMessage, error)
}

// CredentialSource loads decrypted credentials and records dead ones.
type CredentialSource interface {
	Load(ctx context.Context, userID string, provider ProviderName) (*Credential, error)
	MarkInvalid(ctx context.Context, userID string, provider ProviderName, reason string) error
}

// CredentialKey identifies one connected mailbox.
type CredentialKey struct {
	UserID   string
	Provider ProviderName
}

// CredentialLister enumerates credentials that are not invalidated.
type CredentialLister interface {
	ActiveCredentials(ctx context.Context) ([]CredentialKey, error)
}

// Outbox is the pending-announcement queue written alongside inserted messages.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}
