package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/pushchain/bridge-core/bridgeCore/constant"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.NodeHome == "" {
		cfg.NodeHome = constant.DefaultNodeHome
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database driver must be 'sqlite' or 'postgres'")
	}

	// Quorum defaults
	if cfg.Quorum.Threshold == 0 {
		cfg.Quorum.Threshold = constant.DefaultQuorumThreshold
	}
	if cfg.Quorum.Threshold < 1 {
		return fmt.Errorf("quorum threshold must be positive")
	}
	if cfg.Quorum.SignTimeoutMs == 0 {
		cfg.Quorum.SignTimeoutMs = 2000
	}
	if cfg.Quorum.HeartbeatTimeoutSeconds == 0 {
		cfg.Quorum.HeartbeatTimeoutSeconds = int(constant.DefaultHeartbeatTimeout.Seconds())
	}
	if cfg.Quorum.HealthCheckIntervalSeconds == 0 {
		cfg.Quorum.HealthCheckIntervalSeconds = 30
	}

	// Swap defaults
	if cfg.Swap.DefaultTimeLockSeconds == 0 {
		cfg.Swap.DefaultTimeLockSeconds = 3600
	}
	if cfg.Swap.ConfirmationTimeoutSeconds == 0 {
		cfg.Swap.ConfirmationTimeoutSeconds = 300
	}
	if cfg.Swap.MinConfirmations == 0 {
		cfg.Swap.MinConfirmations = 1
	}

	// Recovery defaults
	if cfg.Recovery.Schedule == "" {
		cfg.Recovery.Schedule = "@every 1m"
	}
	if cfg.Recovery.StuckThresholdSeconds == 0 {
		cfg.Recovery.StuckThresholdSeconds = 600
	}
	if cfg.Recovery.DefaultMaxRetries == 0 {
		cfg.Recovery.DefaultMaxRetries = constant.DefaultMaxRetries
	}

	// Adapter retry defaults
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialDelayMs == 0 {
		cfg.Retry.InitialDelayMs = 500
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = 10000
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = 2.0
	}
	if cfg.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry backoff factor must be >= 1")
	}

	if cfg.CircuitBreaker.MaxRequests == 0 {
		cfg.CircuitBreaker.MaxRequests = 1
	}
	if cfg.CircuitBreaker.IntervalSeconds == 0 {
		cfg.CircuitBreaker.IntervalSeconds = 60
	}
	if cfg.CircuitBreaker.TimeoutSeconds == 0 {
		cfg.CircuitBreaker.TimeoutSeconds = 30
	}
	if cfg.CircuitBreaker.ConsecutiveFailures == 0 {
		cfg.CircuitBreaker.ConsecutiveFailures = 5
	}

	// Initialize ChainConfigs if nil or empty
	if len(cfg.ChainConfigs) == 0 {
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil {
			cfg.ChainConfigs = defaultCfg.ChainConfigs
		} else {
			cfg.ChainConfigs = make(map[string]ChainSpecificConfig)
		}
	}

	for chainID, chainCfg := range cfg.ChainConfigs {
		switch chainCfg.Family {
		case FamilyEVM, FamilySVM, FamilyCosmos:
		default:
			return fmt.Errorf("chain %s: unknown family %q", chainID, chainCfg.Family)
		}
		if len(chainCfg.RPCURLs) == 0 {
			return fmt.Errorf("chain %s: at least one rpc url is required", chainID)
		}
	}

	seen := make(map[string]bool, len(cfg.Validators))
	for _, v := range cfg.Validators {
		if v.ID == "" {
			return fmt.Errorf("validator id must not be empty")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate validator id %s", v.ID)
		}
		seen[v.ID] = true
	}

	return nil
}

// ApplyEnvOverrides lets deployment environments override selected fields.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("BRIDGE_HOME"); ok && v != "" {
		cfg.NodeHome = v
	}
	if v, ok := os.LookupEnv("BRIDGE_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = cast.ToInt(v)
	}
	if v, ok := os.LookupEnv("BRIDGE_LOG_FORMAT"); ok && v != "" {
		cfg.LogFormat = v
	}
	if v, ok := os.LookupEnv("BRIDGE_DB_DSN"); ok && v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = v
	}
	if v, ok := os.LookupEnv("BRIDGE_OPS_PORT"); ok && v != "" {
		cfg.OpsServerPort = cast.ToInt(v)
	}
}

// Validate fills defaults and checks the config.
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// Save writes the given config to <NodeHome>/config/bridge_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	configDir := filepath.Join(basePath, constant.ConfigSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	configFile := filepath.Join(configDir, constant.ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}

// Load reads the config from <basePath>/config/bridge_config.json, applies
// environment overrides and validates it.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, constant.ConfigSubdir, constant.ConfigFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal config")
	}

	ApplyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal default config")
	}
	return &cfg, nil
}
