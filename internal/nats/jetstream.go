package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// EventsStream holds per-user events such as user.<id>.email.synced.
	EventsStream = "USER_EVENTS"
	// JobsStream holds sync job requests for the consumer.
	JobsStream = "MAILSYNC_JOBS"
	// JobSubject is where sync jobs are published.
	JobSubject = "mailsync.jobs"
)

// Publisher wraps a NATS connection and its JetStream context.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to url and opens JetStream.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStreams creates the event and job streams when missing.
func (p *Publisher) EnsureStreams(ctx context.Context) error {
	streams := []*nats.StreamConfig{
		{
			Name:       EventsStream,
			Subjects:   []string{"user.*.>"},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			Duplicates: 10 * time.Minute,
			MaxAge:     30 * 24 * time.Hour,
		},
		{
			Name:       JobsStream,
			Subjects:   []string{JobSubject},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			Duplicates: 5 * time.Minute,
			MaxAge:     24 * time.Hour,
		},
	}
	for _, cfg := range streams {
		if err := p.ensureStream(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) ensureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	info, err := p.js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(cfg, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Publish publishes payload with msgID as the JetStream dedup id.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
