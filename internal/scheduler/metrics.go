package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler collectors. A nil *Metrics records nothing.
type Metrics struct {
	deliveries *prometheus.CounterVec
	claimed    *prometheus.CounterVec
	terminal   *prometheus.CounterVec
	tick       prometheus.Histogram
}

// NewMetrics registers the scheduler collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnel",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by work kind and outcome.",
		}, []string{"kind", "outcome"}),
		claimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnel",
			Name:      "rows_claimed_total",
			Help:      "Due rows claimed for processing.",
		}, []string{"kind"}),
		terminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnel",
			Name:      "rows_terminal_total",
			Help:      "Due rows that reached a terminal status.",
		}, []string{"kind", "status"}),
		tick: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "funnel",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

func (m *Metrics) delivery(kind, outcome string) {
	if m != nil {
		m.deliveries.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) claim(kind string) {
	if m != nil {
		m.claimed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) finished(kind, status string) {
	if m != nil {
		m.terminal.WithLabelValues(kind, status).Inc()
	}
}

func (m *Metrics) observeTick(d time.Duration) {
	if m != nil {
		m.tick.Observe(d.Seconds())
	}
}
