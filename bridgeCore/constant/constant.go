package constant

import (
	"os"
	"time"
)

// <NodeDir>/                    (e.g., /home/bridge/.bridgecore)
// └── config/
//	└── bridge_config.json
// └── databases/
//	└── bridge.db

const (
	NodeDir = ".bridgecore"

	ConfigSubdir   = "config"
	ConfigFileName = "bridge_config.json"

	DatabasesSubdir  = "databases"
	DatabaseFileName = "bridge.db"
)

// Reference quorum shape: any 4 of 7 honest signers authorize a transfer.
const (
	DefaultValidatorCount   = 7
	DefaultQuorumThreshold  = 4
	DefaultHeartbeatTimeout = 5 * time.Minute
	DefaultMaxRetries       = 3
)

var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir
