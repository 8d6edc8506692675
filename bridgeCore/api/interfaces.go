package api

import "github.com/pushchain/bridge-core/bridgeCore/chains/common"

// ChainStatusSource reports the last connection check of every chain
type ChainStatusSource interface {
	Statuses() map[string]common.ConnectionStatus
}

// ValidatorSource reports how many validators can currently sign
type ValidatorSource interface {
	ActiveValidators() int
	Threshold() int
}
