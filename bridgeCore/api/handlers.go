package api

import (
	"encoding/json"
	"net/http"
	"time"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

// handleHealth handles GET /health. It answers 503 when fewer validators than
// the quorum threshold are active; a disconnected chain only degrades.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:    statusOK,
		Chains:    map[string]ChainHealth{},
		CheckedAt: time.Now().UTC(),
	}

	if s.validators != nil {
		active, threshold := s.validators.ActiveValidators(), s.validators.Threshold()
		resp.Validators = ValidatorHealth{Active: active, Threshold: threshold, Quorum: active >= threshold}
	}

	if s.chains != nil {
		for id, st := range s.chains.Statuses() {
			resp.Chains[id] = ChainHealth{
				Connected:   st.Connected,
				Synced:      st.IsSynced,
				LatencyMs:   st.LatencyMs,
				BlockHeight: st.NetworkBlockHeight,
			}
			if !st.Connected {
				resp.Status = statusDegraded
			}
		}
	}

	code := http.StatusOK
	if s.validators != nil && !resp.Validators.Quorum {
		resp.Status = statusDegraded
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
