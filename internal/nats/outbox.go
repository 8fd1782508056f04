package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// EventPublisher is the part of Publisher the relay needs.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// OutboxRelay moves committed outbox rows onto JetStream.
type OutboxRelay struct {
	Outbox    sync.Outbox
	Publisher EventPublisher
	Logger    zerolog.Logger

	Interval time.Duration
	Batch    int
	Backoff  time.Duration
}

func (r *OutboxRelay) defaults() {
	if r.Interval <= 0 {
		r.Interval = 2 * time.Second
	}
	if r.Batch <= 0 {
		r.Batch = 100
	}
	if r.Backoff <= 0 {
		r.Backoff = 30 * time.Second
	}
}

// Run drains the outbox every Interval until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.defaults()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.Logger.Error().Err(err).Msg("outbox drain failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain publishes one batch of due entries and returns how many were published.
// An entry that fails to publish is rescheduled and the rest of the batch continues.
func (r *OutboxRelay) Drain(ctx context.Context) (int, error) {
	r.defaults()
	entries, err := r.Outbox.DequeueOutbox(ctx, r.Batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, e := range entries {
		if err := r.Publisher.Publish(ctx, e.Subject, e.Payload, e.MsgID); err != nil {
			r.Logger.Warn().Err(err).Int64("outbox_id", e.ID).Str("subject", e.Subject).Msg("publish failed, rescheduling")
			if err := r.Outbox.MarkOutboxRetry(ctx, e.ID, r.Backoff); err != nil {
				return published, err
			}
			continue
		}
		if err := r.Outbox.MarkPublished(ctx, e.ID); err != nil {
			return published, err
		}
		published++
	}
	if published > 0 {
		r.Logger.Debug().Int("published", published).Msg("outbox drained")
	}
	return published, nil
}
