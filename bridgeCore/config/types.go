package config

import "fmt"

// Chain families understood by the adapter factory.
const (
	FamilyEVM    = "evm"
	FamilySVM    = "svm"
	FamilyCosmos = "cosmos"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome string `json:"node_home"` // Node home directory (default: ~/.bridgecore)

	Database DatabaseConfig `json:"database"`

	// Ops server exposes /health and /metrics. 0 disables it.
	OpsServerPort int `json:"ops_server_port"`

	Quorum         QuorumConfig         `json:"quorum"`
	Swap           SwapConfig           `json:"swap"`
	Recovery       RecoveryConfig       `json:"recovery"`
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`

	// Locally provisioned validator identities
	Validators []ValidatorConfig `json:"validators"`

	// Unified per-chain configuration
	ChainConfigs map[string]ChainSpecificConfig `json:"chain_configs"` // Map of chain ID to all chain-specific settings
}

type DatabaseConfig struct {
	Driver string `json:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn"`    // postgres DSN; ignored for sqlite
}

type QuorumConfig struct {
	Threshold                  int `json:"threshold"`                     // signatures required (default: 4)
	SignTimeoutMs              int `json:"sign_timeout_ms"`               // per-validator signing timeout (default: 2000)
	HeartbeatTimeoutSeconds    int `json:"heartbeat_timeout_seconds"`     // responsiveness window (default: 300)
	HealthCheckIntervalSeconds int `json:"health_check_interval_seconds"` // health loop period (default: 30)
}

type SwapConfig struct {
	DefaultTimeLockSeconds     int    `json:"default_time_lock_seconds"`    // HTLC lock time when callers omit one (default: 3600)
	ConfirmationTimeoutSeconds int    `json:"confirmation_timeout_seconds"` // wait_for_confirmation budget (default: 300)
	MinConfirmations           uint64 `json:"min_confirmations"`            // fallback when chain config omits it (default: 1)
}

type RecoveryConfig struct {
	Schedule              string `json:"schedule"`                // robfig/cron spec (default: "@every 1m")
	StuckThresholdSeconds int    `json:"stuck_threshold_seconds"` // age before a PENDING/CONFIRMING transfer is stuck (default: 600)
	DefaultMaxRetries     int    `json:"default_max_retries"`     // retry budget for new transfers (default: 3)
}

type RetryConfig struct {
	MaxRetries     int     `json:"max_retries"`      // retries after the first attempt (default: 3)
	InitialDelayMs int     `json:"initial_delay_ms"` // base backoff delay (default: 500)
	MaxDelayMs     int     `json:"max_delay_ms"`     // backoff cap (default: 10000)
	BackoffFactor  float64 `json:"backoff_factor"`   // (default: 2.0)
}

type CircuitBreakerConfig struct {
	MaxRequests         uint32 `json:"max_requests"`         // half-open probe requests (default: 1)
	IntervalSeconds     int    `json:"interval_seconds"`     // closed-state counter reset (default: 60)
	TimeoutSeconds      int    `json:"timeout_seconds"`      // open-state duration (default: 30)
	ConsecutiveFailures uint32 `json:"consecutive_failures"` // trips after this many failures (default: 5)
}

type ValidatorConfig struct {
	ID            string `json:"id"`
	Algorithm     string `json:"algorithm"`       // "ecdsa-p256" (default) or "secp256k1"
	PrivateKeyHex string `json:"private_key_hex"` // hex encoded private scalar
}

// ChainSpecificConfig holds all chain-specific configuration in one place
type ChainSpecificConfig struct {
	Family  string   `json:"family"`             // evm, svm or cosmos
	RPCURLs []string `json:"rpc_urls,omitempty"` // RPC endpoints for this chain

	// Cosmos LCD endpoint used for bank balance queries
	RESTURL string `json:"rest_url,omitempty"`

	// Identity checks performed on connect
	ExpectedChainID int64  `json:"expected_chain_id,omitempty"` // EVM numeric chain id
	GenesisHash     string `json:"genesis_hash,omitempty"`      // SVM genesis hash prefix
	NetworkID       string `json:"network_id,omitempty"`        // Cosmos network (e.g. cosmoshub-4)

	Bech32Prefix string `json:"bech32_prefix,omitempty"`
	Denom        string `json:"denom,omitempty"`
	Decimals     int    `json:"decimals,omitempty"`
	GasPrice     string `json:"gas_price,omitempty"` // decimal, in denom units per gas
	GasLimit     uint64 `json:"gas_limit,omitempty"`

	MinConfirmations      *uint64 `json:"min_confirmations,omitempty"`
	PollIntervalMs        *int    `json:"poll_interval_ms,omitempty"`
	RequestTimeoutSeconds *int    `json:"request_timeout_seconds,omitempty"`
}

// GetChainConfig returns the complete configuration for a specific chain
func (c *Config) GetChainConfig(chainID string) (*ChainSpecificConfig, error) {
	if c.ChainConfigs == nil {
		return nil, fmt.Errorf("no chain configs found")
	}
	cfg, ok := c.ChainConfigs[chainID]
	if !ok {
		return nil, fmt.Errorf("no config found for chain %s", chainID)
	}
	return &cfg, nil
}
