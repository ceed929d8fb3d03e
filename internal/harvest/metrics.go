package harvest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the harvester's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Threads      *prometheus.CounterVec
	Days         *prometheus.CounterVec
	APIRetries   *prometheus.CounterVec
	LastPass     prometheus.Gauge
	PassDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Threads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threadyard_threads_total",
			Help: "Threads handled, by result (written, unchanged, empty, failed)",
		}, []string{"result"}),
		Days: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threadyard_days_total",
			Help: "Channel days handled, by result (marked, skipped, in_progress, failed)",
		}, []string{"result"}),
		APIRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threadyard_api_retries_total",
			Help: "Slack API retries, by API method and failure kind",
		}, []string{"method", "kind"}),
		LastPass: f.NewGauge(prometheus.GaugeOpts{
			Name: "threadyard_last_pass_timestamp_seconds",
			Help: "Unix time the last harvest pass finished",
		}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "threadyard_pass_duration_seconds",
			Help:    "Wall time of one harvest pass",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}),
	}
}

func (m *Metrics) thread(result string) {
	if m != nil {
		m.Threads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) day(result string) {
	if m != nil {
		m.Days.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) pass(started, finished time.Time) {
	if m != nil {
		m.LastPass.Set(float64(finished.Unix()))
		m.PassDuration.Observe(finished.Sub(started).Seconds())
	}
}

// ObserveRetry matches slackclient.RetryFunc. method must come from a
// bounded set; channel and thread belong in logs, not labels.
func (m *Metrics) ObserveRetry(method, kind string, attempt int, wait time.Duration) {
	if m != nil {
		m.APIRetries.WithLabelValues(method, kind).Inc()
	}
}
