package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives one observation per request attempt
type Sink interface {
	Observe(name string, duration time.Duration, success bool)
}

// Nop discards observations
type Nop struct{}

// Observe does nothing
func (Nop) Observe(string, time.Duration, bool) {}

// Prometheus exports attempt observations as a histogram and a counter
type Prometheus struct {
	duration *prometheus.HistogramVec
	attempts *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg
func NewPrometheus(namespace string, reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of indexer request attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"request", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_attempts_total",
			Help:      "Number of indexer request attempts.",
		}, []string{"request", "outcome"}),
	}
	for _, c := range []prometheus.Collector{p.duration, p.attempts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Observe records one attempt
func (p *Prometheus) Observe(name string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.duration.WithLabelValues(name, outcome).Observe(duration.Seconds())
	p.attempts.WithLabelValues(name, outcome).Inc()
}
