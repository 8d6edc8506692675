package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
)

type staticChains map[string]common.ConnectionStatus

func (s staticChains) Statuses() map[string]common.ConnectionStatus { return s }

type staticValidators struct{ active, threshold int }

func (v staticValidators) ActiveValidators() int { return v.active }
func (v staticValidators) Threshold() int        { return v.threshold }

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHandleHealth(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	chains := staticChains{
		"eip155:1":       {Connected: true, IsSynced: true, LatencyMs: 42, NetworkBlockHeight: 19000000},
		"solana:mainnet": {Connected: true, IsSynced: true, NetworkBlockHeight: 250000000},
	}

	tests := []struct {
		name       string
		chains     staticChains
		validators staticValidators
		wantCode   int
		wantStatus string
	}{
		{"healthy", chains, staticValidators{7, 4}, http.StatusOK, statusOK},
		{"exactly at threshold", chains, staticValidators{4, 4}, http.StatusOK, statusOK},
		{"below threshold", chains, staticValidators{3, 4}, http.StatusServiceUnavailable, statusDegraded},
		{
			"chain down",
			staticChains{"eip155:1": {Connected: false}},
			staticValidators{7, 4},
			http.StatusOK,
			statusDegraded,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(logger, 0, tc.chains, tc.validators, prometheus.NewRegistry())
			w := get(t, s.Handler(), http.MethodGet, "/health")
			assert.Equal(t, tc.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantStatus, resp.Status)
			assert.Equal(t, tc.validators.active, resp.Validators.Active)
			assert.Len(t, resp.Chains, len(tc.chains))
		})
	}

	t.Run("chain details", func(t *testing.T) {
		s := NewServer(logger, 0, chains, staticValidators{7, 4}, prometheus.NewRegistry())
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(get(t, s.Handler(), http.MethodGet, "/health").Body.Bytes(), &resp))
		assert.Equal(t, ChainHealth{Connected: true, Synced: true, LatencyMs: 42, BlockHeight: 19000000}, resp.Chains["eip155:1"])
	})

	t.Run("method not allowed", func(t *testing.T) {
		s := NewServer(logger, 0, chains, staticValidators{7, 4}, prometheus.NewRegistry())
		w := get(t, s.Handler(), http.MethodPost, "/health")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHandleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_core_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := NewServer(zerolog.Nop(), 0, nil, nil, reg)
	w := get(t, s.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bridge_core_test_total 3")
}
