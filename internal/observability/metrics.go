package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the orchestrator's Prometheus instruments. All methods
// are nil-safe so callers can run without metrics wired.
type Metrics struct {
	sagasStarted  *prometheus.CounterVec
	sagasFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepFailures  *prometheus.CounterVec
	compensations *prometheus.CounterVec
	reservations  *prometheus.CounterVec
	casConflicts  *prometheus.CounterVec
	sweptExpiries prometheus.Counter
	sweptTimeouts prometheus.Counter
	activeSagas   prometheus.Gauge
}

// NewMetrics registers the instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sagasStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockroom_sagas_started_total",
			Help: "Sagas started, by workflow type.",
		}, []string{"workflow"}),
		sagasFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockroom_sagas_finished_total",
			Help: "Sagas reaching a terminal state, by workflow type and outcome.",
		}, []string{"workflow", "outcome"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockroom_step_duration_seconds",
			Help:    "Wall-clock duration of saga step executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow", "step"}),
		stepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockroom_step_failures_total",
			Help: "Step executions that exhausted their attempts.",
		}, []string{"workflow", "step"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockroom_compensations_total",
			Help: "Compensation executions, by result.",
		}, []string{"workflow", "result"}),
		reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockroom_reservations_total",
			Help: "Reservation operations, by outcome.",
		}, []string{"outcome"}),
		casConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockroom_cas_conflicts_total",
			Help: "Optimistic concurrency conflicts observed, by resource.",
		}, []string{"resource"}),
		sweptExpiries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stockroom_reservations_expired_total",
			Help: "Reservations expired by the sweeper.",
		}),
		sweptTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stockroom_sagas_timed_out_total",
			Help: "Sagas timed out by the sweeper.",
		}),
		activeSagas: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stockroom_active_sagas",
			Help: "Sagas currently in a non-terminal state.",
		}),
	}
}

func (m *Metrics) SagaStarted(workflow string) {
	if m == nil {
		return
	}
	m.sagasStarted.WithLabelValues(workflow).Inc()
	m.activeSagas.Inc()
}

func (m *Metrics) SagaFinished(workflow, outcome string) {
	if m == nil {
		return
	}
	m.sagasFinished.WithLabelValues(workflow, outcome).Inc()
	m.activeSagas.Dec()
}

func (m *Metrics) SagaTimedOut(workflow string) {
	if m == nil {
		return
	}
	m.sweptTimeouts.Inc()
}

func (m *Metrics) ObserveStep(workflow, step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(workflow, step).Observe(d.Seconds())
}

func (m *Metrics) StepFailed(workflow, step string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(workflow, step).Inc()
}

func (m *Metrics) CompensationApplied(workflow string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(workflow, "applied").Inc()
}

func (m *Metrics) CompensationFailed(workflow string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(workflow, "failed").Inc()
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CASConflict(resource string) {
	if m == nil {
		return
	}
	m.casConflicts.WithLabelValues(resource).Inc()
}

func (m *Metrics) ReservationExpired() {
	if m == nil {
		return
	}
	m.sweptExpiries.Inc()
}
