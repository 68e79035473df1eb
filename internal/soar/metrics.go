package soar

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	executions       *prometheus.CounterVec
	executionSeconds prometheus.Histogram
	actions          *prometheus.CounterVec
	actionSeconds    *prometheus.HistogramVec
	actionAttempts   *prometheus.HistogramVec
	approvals        *prometheus.CounterVec
	activeExecutions prometheus.Gauge
	pendingApprovals prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "soar_executions_total", Help: "Executions that reached a terminal status."},
			[]string{"playbook_id", "status"},
		),
		executionSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "soar_execution_duration_seconds", Help: "Wall time from execution start to terminal status.", Buckets: prometheus.ExponentialBuckets(0.1, 4, 10)},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "soar_actions_total", Help: "Action dispatches by final outcome."},
			[]string{"capability", "outcome"},
		),
		actionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "soar_action_duration_seconds", Help: "Duration of an action's attempt sequence.", Buckets: prometheus.DefBuckets},
			[]string{"capability"},
		),
		actionAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "soar_action_attempts", Help: "Attempts used per action dispatch.", Buckets: []float64{1, 2, 3, 5, 8, 11}},
			[]string{"capability"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "soar_approvals_total", Help: "Approval requests by final status."},
			[]string{"required_level", "status"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "soar_active_executions", Help: "Executions currently scheduled."},
		),
		pendingApprovals: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "soar_pending_approvals", Help: "Approval requests awaiting a decision."},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.executions,
			m.executionSeconds,
			m.actions,
			m.actionSeconds,
			m.actionAttempts,
			m.approvals,
			m.activeExecutions,
			m.pendingApprovals,
		)
	}
	return m
}

func (m *Metrics) executionFinished(exec *Execution) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(exec.PlaybookID, string(exec.Status)).Inc()
	m.executionSeconds.Observe(exec.Duration().Seconds())
}

func (m *Metrics) actionFinished(capability string, outcome ActionOutcome, attempts int, seconds float64) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(capability, string(outcome)).Inc()
	m.actionSeconds.WithLabelValues(capability).Observe(seconds)
	m.actionAttempts.WithLabelValues(capability).Observe(float64(attempts))
}

func (m *Metrics) approvalFinished(level, status string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(level, status).Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.activeExecutions.Set(float64(n))
}

func (m *Metrics) setPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.pendingApprovals.Set(float64(n))
}
