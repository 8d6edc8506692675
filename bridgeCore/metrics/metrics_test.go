package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordAdapterCall("eip155:1", "get_balance", "success", 150*time.Millisecond)
	m.RecordAdapterCall("eip155:1", "get_balance", "error", 20*time.Millisecond)
	m.RecordTimeout("eip155:1", "get_balance")
	m.UpdateCircuitBreakerState("eip155:1", gobreaker.StateOpen)
	m.RecordQuorumOutcome("reached")
	m.SetActiveValidators(7)
	m.SetStuckTransfers(2)
	m.SetChainConnected("eip155:1", true)
	m.SetChainConnected("solana:devnet", false)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.adapterCalls.WithLabelValues("eip155:1", "get_balance", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts.WithLabelValues("eip155:1", "get_balance")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitBreakerState.WithLabelValues("eip155:1")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.activeValidators))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stuckTransfers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chainConnected.WithLabelValues("eip155:1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.chainConnected.WithLabelValues("solana:devnet")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAdapterCall("c", "op", "success", time.Second)
		m.RecordQuorumOutcome("failed")
		m.SetValidatorReputation("1", 90)
		m.RecordSwapTransition("LOCKED")
	})
}

func TestMetrics_Unregistered(t *testing.T) {
	m := New(nil)
	m.RecordSwapTransition("REDEEMED")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.swapTransitions.WithLabelValues("REDEEMED")))
}
