package api

import "time"

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status     string                 `json:"status"`
	Validators ValidatorHealth        `json:"validators"`
	Chains     map[string]ChainHealth `json:"chains"`
	CheckedAt  time.Time              `json:"checked_at"`
}

type ValidatorHealth struct {
	Active    int  `json:"active"`
	Threshold int  `json:"threshold"`
	Quorum    bool `json:"quorum"`
}

type ChainHealth struct {
	Connected   bool   `json:"connected"`
	Synced      bool   `json:"synced"`
	LatencyMs   int64  `json:"latency_ms"`
	BlockHeight uint64 `json:"block_height"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
