package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs a dispatch every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// JobPublisher enqueues one sync request for a schedule slot.
type JobPublisher interface {
	PublishJob(ctx context.Context, req Request, slot time.Time) error
}

// Dispatcher periodically enqueues a job for every active mail credential.
// It never runs a sync itself; consumers pick the jobs up.
type Dispatcher struct {
	Credentials CredentialLister
	Jobs        JobPublisher
	Registry    *Registry
	Logger      zerolog.Logger
}

// DispatchOnce publishes one job per active credential and returns how many were published.
// Non-mail and unregistered providers are skipped. Publish errors do not stop the pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context, slot time.Time) (int, error) {
	keys, err := d.Credentials.ActiveCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}

	var errs []error
	published := 0
	for _, k := range keys {
		if d.Registry != nil {
			if d.Registry.IsNonMail(k.Provider) {
				continue
			}
			if _, ok := d.Registry.Lookup(k.Provider); !ok {
				continue
			}
		}
		req := Request{UserID: k.UserID, Provider: string(k.Provider)}
		if err := d.Jobs.PublishJob(ctx, req, slot); err != nil {
			d.Logger.Warn().Err(err).Str("user_id", k.UserID).Str("provider", string(k.Provider)).Msg("failed to enqueue job")
			errs = append(errs, err)
			continue
		}
		published++
	}
	return published, errors.Join(errs...)
}

// Start schedules DispatchOnce on schedule (five-field cron syntax) and blocks until ctx is done.
func (d *Dispatcher) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(schedule, func() {
		slot := time.Now().UTC().Truncate(time.Minute)
		n, err := d.DispatchOnce(ctx, slot)
		if err != nil {
			d.Logger.Error().Err(err).Int("published", n).Msg("dispatch incomplete")
			return
		}
		d.Logger.Info().Int("published", n).Time("slot", slot).Msg("dispatch complete")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	c.Start()
	d.Logger.Info().Str("schedule", schedule).Msg("dispatcher started")
	<-ctx.Done()
	<-c.Stop().Done()
	d.Logger.Info().Msg("dispatcher stopped")
	return nil
}
