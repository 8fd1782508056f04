package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventEmailSynced is the outbox event type written for every inserted message.
const EventEmailSynced = "email.synced"

// EmailSynced is the payload announced after a message is first stored.
type EmailSynced struct {
	EventID           string    `json:"event_id"`
	Type              string    `json:"type"`
	UserID            string    `json:"user_id"`
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id,omitempty"`
	Subject           string    `json:"subject"`
	SenderEmail       string    `json:"sender_email"`
	Direction         Direction `json:"direction"`
	Status            Status    `json:"status"`
	SentAt            time.Time `json:"sent_at"`
}

// OutboxEntry is a pending announcement, written in the same transaction as the message row.
type OutboxEntry struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// SyncedSubject is the NATS subject for a user's synced-message events.
func SyncedSubject(userID string) string {
	return fmt.Sprintf("user.%s.email.synced", userID)
}

// SyncedMsgID is the JetStream dedup id, stable across overlapping runs.
func SyncedMsgID(provider ProviderName, userID, providerMessageID string) string {
	return fmt.Sprintf("%s|%s|%s|%s", EventEmailSynced, provider, userID, providerMessageID)
}

// NewSyncedEntry builds the outbox entry for an inserted message.
func NewSyncedEntry(userID string, provider ProviderName, m NormalizedMessage) (OutboxEntry, error) {
	payload, err := json.Marshal(EmailSynced{
		EventID:           uuid.NewString(),
		Type:              EventEmailSynced,
		UserID:            userID,
		Provider:          string(provider),
		ProviderMessageID: m.ProviderMessageID,
		ThreadID:          m.ThreadID,
		Subject:           m.Subject,
		SenderEmail:       m.SenderEmail,
		Direction:         m.Direction,
		Status:            m.Status,
		SentAt:            m.SentAt.UTC(),
	})
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("encode synced event: %w", err)
	}
	return OutboxEntry{
		Subject: SyncedSubject(userID),
		Payload: payload,
		MsgID:   SyncedMsgID(provider, userID, m.ProviderMessageID),
	}, nil
}
