package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// JobMsgID is the dedup id of a job for one schedule slot, so a dispatcher
// restarted inside the same slot does not enqueue twice.
func JobMsgID(req sync.Request, slot time.Time) string {
	return fmt.Sprintf("job|%s|%s|%d", req.UserID, req.Provider, slot.Unix())
}

// PublishJob enqueues a sync request on the jobs stream.
func (p *Publisher) PublishJob(ctx context.Context, req sync.Request, slot time.Time) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return p.Publish(ctx, JobSubject, payload, JobMsgID(req, slot))
}

// JobHandler runs one job. Runner.Run satisfies it.
type JobHandler func(ctx context.Context, req sync.Request) sync.Result

// ConsumerConfig tunes the pull consumer.
type ConsumerConfig struct {
	Durable    string
	Batch      int
	FetchWait  time.Duration
	RetryDelay time.Duration
	MaxDeliver int
	AckWait    time.Duration
}

func (c *ConsumerConfig) defaults() {
	if c.Durable == "" {
		c.Durable = "mailsync-worker"
	}
	if c.Batch <= 0 {
		c.Batch = 10
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 3 * time.Minute
	}
}

// Consume pulls jobs until ctx is done. Each job is settled from its Result:
// 200 acks, 400 terminates, anything else is redelivered after RetryDelay.
func (p *Publisher) Consume(ctx context.Context, cfg ConsumerConfig, handle JobHandler, log zerolog.Logger) error {
	cfg.defaults()
	sub, err := p.js.PullSubscribe(JobSubject, cfg.Durable,
		nats.BindStream(JobsStream),
		nats.ManualAck(),
		nats.AckWait(cfg.AckWait),
		nats.MaxDeliver(cfg.MaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to jobs: %w", err)
	}
	defer sub.Unsubscribe()

	log.Info().Str("durable", cfg.Durable).Msg("job consumer started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, cfg.FetchWait)
		msgs, err := sub.Fetch(cfg.Batch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Warn().Err(err).Msg("job fetch failed")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := handleJob(ctx, msg.Data, msg, handle, cfg.RetryDelay, log); err != nil {
				log.Warn().Err(err).Msg("failed to settle job")
			}
		}
	}
}

// acker is the settlement surface of a JetStream message.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

func handleJob(ctx context.Context, data []byte, msg acker, handle JobHandler, retry time.Duration, log zerolog.Logger) error {
	var req sync.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Msg("dropping malformed job")
		return msg.Term()
	}

	res := handle(ctx, req)
	switch {
	case res.Handled():
		return msg.Ack()
	case res.Status == http.StatusBadRequest:
		log.Warn().Str("user_id", req.UserID).Str("provider", req.Provider).Str("error", res.Error).Msg("terminating rejected job")
		return msg.Term()
	default:
		log.Warn().Str("user_id", req.UserID).Str("provider", req.Provider).Str("error", res.Error).Dur("retry_in", retry).Msg("job failed, scheduling redelivery")
		return msg.NakWithDelay(retry)
	}
}
