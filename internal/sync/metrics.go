package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the run counters. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the sync collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailsync",
			Name:      "runs_total",
			Help:      "Sync runs by provider and outcome.",
		}, []string{"provider", "outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailsync",
			Name:      "messages_total",
			Help:      "Messages seen per pipeline stage.",
		}, []string{"provider", "stage"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mailsync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sync run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
	}
	reg.MustRegister(m.runs, m.messages, m.duration)
	return m
}

func (m *Metrics) observeRun(provider ProviderName, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(provider), outcome).Inc()
	m.duration.WithLabelValues(string(provider)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) addMessages(provider ProviderName, stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messages.WithLabelValues(string(provider), stage).Add(float64(n))
}
