package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type staticLister []CredentialKey

func (s staticLister) ActiveCredentials(context.Context) ([]CredentialKey, error) {
	return s, nil
}

type recordingJobs struct {
	fail  map[string]bool
	reqs  []Request
	slots []time.Time
}

func (r *recordingJobs) PublishJob(_ context.Context, req Request, slot time.Time) error {
	if r.fail[req.UserID] {
		return errors.New("nats: no responders")
	}
	r.reqs = append(r.reqs, req)
	r.slots = append(r.slots, slot)
	return nil
}

func TestDispatchOnce(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ProviderGmail, nil)
	reg.Register(ProviderIMAP, nil)

	jobs := &recordingJobs{fail: map[string]bool{"u3": true}}
	d := &Dispatcher{
		Credentials: staticLister{
			{UserID: "u1", Provider: ProviderGmail},
			{UserID: "u1", Provider: ProviderGoogleCalendar},
			{UserID: "u2", Provider: ProviderIMAP},
			{UserID: "u2", Provider: "yahoo"},
			{UserID: "u3", Provider: ProviderGmail},
		},
		Jobs:     jobs,
		Registry: reg,
		Logger:   zerolog.Nop(),
	}

	slot := time.Date(2024, 5, 1, 12, 15, 0, 0, time.UTC)
	n, err := d.DispatchOnce(context.Background(), slot)
	require.Error(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []Request{
		{UserID: "u1", Provider: "gmail"},
		{UserID: "u2", Provider: "imap"},
	}, jobs.reqs)
	for _, s := range jobs.slots {
		require.True(t, s.Equal(slot))
	}
}

func TestDispatcherRejectsBadSchedule(t *testing.T) {
	d := &Dispatcher{Credentials: staticLister{}, Jobs: &recordingJobs{}, Logger: zerolog.Nop()}
	require.Error(t, d.Start(context.Background(), "every now and then"))
}
