// Package metrics holds the Prometheus collectors for the bridge core.
// Collectors are instance scoped; nothing registers on the global registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

const namespace = "bridge_core"

// Metrics contains all collectors exported by a bridge node
type Metrics struct {
	adapterDuration     *prometheus.HistogramVec
	adapterCalls        *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	timeouts            *prometheus.CounterVec
	chainConnected      *prometheus.GaugeVec

	quorumOutcomes   *prometheus.CounterVec
	activeValidators prometheus.Gauge
	validatorRep     *prometheus.GaugeVec
	swapTransitions  *prometheus.CounterVec
	transferOutcomes *prometheus.CounterVec
	stuckTransfers   prometheus.Gauge
	recoveryRuns     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "call_duration_seconds",
				Help:      "Duration of chain adapter calls in seconds",
				Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"chain", "operation", "status"},
		),
		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "calls_total",
				Help:      "Total number of chain adapter calls",
			},
			[]string{"chain", "operation", "status"},
		),
		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "circuit_breaker_state",
				Help:      "Current state of chain circuit breakers (0=closed, 1=half-open, 2=open)",
			},
			[]string{"chain"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "timeouts_total",
				Help:      "Total number of chain adapter timeouts",
			},
			[]string{"chain", "operation"},
		),
		chainConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "chain_connected",
				Help:      "1 when the last connection check of a chain succeeded",
			},
			[]string{"chain"},
		),
		quorumOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quorum",
				Name:      "validations_total",
				Help:      "Quorum validation attempts by outcome",
			},
			[]string{"outcome"},
		),
		activeValidators: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "quorum",
				Name:      "active_validators",
				Help:      "Validators currently eligible to sign",
			},
		),
		validatorRep: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "quorum",
				Name:      "validator_reputation",
				Help:      "Reputation score per validator",
			},
			[]string{"validator_id"},
		),
		swapTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "swap",
				Name:      "transitions_total",
				Help:      "Atomic swap state transitions",
			},
			[]string{"to"},
		),
		transferOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "transitions_total",
				Help:      "Bridge transaction status transitions",
			},
			[]string{"to"},
		),
		stuckTransfers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "stuck_transfers",
				Help:      "Transfers found stuck by the last recovery run",
			},
		),
		recoveryRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "runs_total",
				Help:      "Recovery job executions by status",
			},
			[]string{"status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.adapterDuration,
			m.adapterCalls,
			m.circuitBreakerState,
			m.timeouts,
			m.chainConnected,
			m.quorumOutcomes,
			m.activeValidators,
			m.validatorRep,
			m.swapTransitions,
			m.transferOutcomes,
			m.stuckTransfers,
			m.recoveryRuns,
		)
	}
	return m
}

// RecordAdapterCall records one adapter call with its duration and status.
func (m *Metrics) RecordAdapterCall(chain, operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.adapterDuration.WithLabelValues(chain, operation, status).Observe(d.Seconds())
	m.adapterCalls.WithLabelValues(chain, operation, status).Inc()
}

// RecordTimeout counts an adapter call that ran out of time.
func (m *Metrics) RecordTimeout(chain, operation string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(chain, operation).Inc()
}

// UpdateCircuitBreakerState mirrors a breaker state change.
func (m *Metrics) UpdateCircuitBreakerState(chain string, state gobreaker.State) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(chain).Set(float64(state))
}

func (m *Metrics) SetChainConnected(chain string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.chainConnected.WithLabelValues(chain).Set(v)
}

// RecordQuorumOutcome counts a validation attempt ("reached", "failed", "insufficient").
func (m *Metrics) RecordQuorumOutcome(outcome string) {
	if m == nil {
		return
	}
	m.quorumOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveValidators(n int) {
	if m == nil {
		return
	}
	m.activeValidators.Set(float64(n))
}

func (m *Metrics) SetValidatorReputation(id string, score float64) {
	if m == nil {
		return
	}
	m.validatorRep.WithLabelValues(id).Set(score)
}

func (m *Metrics) RecordSwapTransition(to string) {
	if m == nil {
		return
	}
	m.swapTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) RecordTransferTransition(to string) {
	if m == nil {
		return
	}
	m.transferOutcomes.WithLabelValues(to).Inc()
}

func (m *Metrics) SetStuckTransfers(n int) {
	if m == nil {
		return
	}
	m.stuckTransfers.Set(float64(n))
}

func (m *Metrics) RecordRecoveryRun(status string) {
	if m == nil {
		return
	}
	m.recoveryRuns.WithLabelValues(status).Inc()
}
