package migrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const metricsNamespace = "stratum"

// metrics are the apply collectors. A nil *metrics records nothing.
type metrics struct {
	applied  *prometheus.CounterVec
	failures prometheus.Counter
	duration prometheus.Histogram
	position prometheus.Gauge
}

// WithMetrics registers apply metrics with reg. It panics if the collectors
// are already registered there.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Migrator) { m.metrics = newMetrics(reg) }
}

func newMetrics(reg prometheus.Registerer) *metrics {
	mt := &metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_applied_total",
			Help:      "Migration steps committed, by direction.",
		}, []string{"direction"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "step_failures_total",
			Help:      "Migration steps that failed and were rolled back.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent applying one migration step.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		position: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ledger_position",
			Help:      "Step id the ledger points at, as a number; 0 at base.",
		}),
	}
	reg.MustRegister(mt.applied, mt.failures, mt.duration, mt.position)
	return mt
}

func (mt *metrics) stepApplied(direction string, d time.Duration, position string) {
	if mt == nil {
		return
	}
	mt.applied.WithLabelValues(direction).Inc()
	mt.duration.Observe(d.Seconds())
	mt.setPosition(position)
}

func (mt *metrics) stepFailed() {
	if mt == nil {
		return
	}
	mt.failures.Inc()
}

func (mt *metrics) setPosition(id string) {
	if mt == nil {
		return
	}
	v, err := strconv.ParseFloat(id, 64)
	if err != nil {
		v = 0
	}
	mt.position.Set(v)
}

// Push sends everything gathered by g to a Prometheus Pushgateway under job.
func Push(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
