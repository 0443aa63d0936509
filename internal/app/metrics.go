package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/transfa/wallet-service/internal/domain"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	LimitRejections *prometheus.CounterVec
	Admissions      *prometheus.CounterVec
	SagaRuns        *prometheus.CounterVec
	SagaStepLatency *prometheus.HistogramVec
	LockFailures    prometheus.Counter
	StaleExchanges  prometheus.Gauge
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		LimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_limit_rejections_total",
				Help: "Limit checks rejected, by limit kind.",
			},
			[]string{"kind"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_exchange_admissions_total",
				Help: "Exchange admission attempts by outcome.",
			},
			[]string{"outcome"},
		),
		SagaRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_exchange_saga_runs_total",
				Help: "Exchange saga executions by outcome.",
			},
			[]string{"outcome"},
		),
		SagaStepLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_exchange_saga_step_duration_seconds",
				Help:    "Exchange saga step duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		LockFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_lock_acquire_failures_total",
				Help: "Locks that could not be acquired after all retries.",
			},
		),
		StaleExchanges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_stale_exchanges",
				Help: "Exchanges stuck in INITIATED or PENDING past the reconciliation threshold.",
			},
		),
	}

	registry.MustRegister(m.LimitRejections, m.Admissions, m.SagaRuns, m.SagaStepLatency, m.LockFailures, m.StaleExchanges)
	return m
}

func (m *Metrics) LimitRejected(kind domain.LimitKind) {
	if m == nil {
		return
	}
	m.LimitRejections.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) LockFailed(string) {
	if m == nil {
		return
	}
	m.LockFailures.Inc()
}

func (m *Metrics) admission(outcome string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sagaRun(outcome string) {
	if m == nil {
		return
	}
	m.SagaRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeStep(step string, start time.Time) {
	if m == nil {
		return
	}
	m.SagaStepLatency.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setStale(n int) {
	if m == nil {
		return
	}
	m.StaleExchanges.Set(float64(n))
}
