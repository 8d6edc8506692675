package common

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

// ChainFamily selects the adapter implementation for a chain
type ChainFamily int

const (
	FamilyUnknown ChainFamily = iota
	FamilyEVM
	FamilySVM
	FamilyCosmos
)

func (f ChainFamily) String() string {
	switch f {
	case FamilyEVM:
		return "EVM"
	case FamilySVM:
		return "SVM"
	case FamilyCosmos:
		return "COSMOS"
	default:
		return "UNKNOWN"
	}
}

// ParseChainFamily maps a config family name onto a ChainFamily
func ParseChainFamily(s string) (ChainFamily, error) {
	switch strings.ToLower(s) {
	case config.FamilyEVM:
		return FamilyEVM, nil
	case config.FamilySVM, "solana":
		return FamilySVM, nil
	case config.FamilyCosmos:
		return FamilyCosmos, nil
	default:
		return FamilyUnknown, bcerrors.NewConfigError("", "unknown chain family "+s)
	}
}

// ChainAdapter is the uniform surface over one blockchain. Every method that
// touches the network retries transient failures internally and returns
// either success or one classified *errors.BridgeError.
type ChainAdapter interface {
	// GetChainID returns the CAIP-2 chain key; immutable per instance
	GetChainID() string

	// Family returns the adapter's chain family
	Family() ChainFamily

	// Initialize performs one-time setup. It reports true on the call that
	// initialized the adapter and false when it was already initialized.
	Initialize(ctx context.Context, cfg *config.ChainSpecificConfig) (bool, error)

	CheckConnection(ctx context.Context) (*ConnectionStatus, error)
	GetBalance(ctx context.Context, address, assetID string) (decimal.Decimal, error)

	// GetBalances streams one AssetBalance per asset; the channel closes when
	// all assets were queried or ctx is done
	GetBalances(ctx context.Context, address string, assetIDs []string) <-chan AssetBalance

	// SendTransaction submits without waiting for confirmation
	SendTransaction(ctx context.Context, tx *Transaction, opts *SendOptions) (*TransactionResult, error)
	GetTransactionStatus(ctx context.Context, txID string) (*TransactionStatus, error)

	// WaitForConfirmation polls until minConfirmations are reached. An elapsed
	// timeout yields TIMEOUT and a reverted transaction yields CHAIN_REJECTED.
	WaitForConfirmation(ctx context.Context, txID string, minConfirmations uint64, timeout time.Duration) (*ConfirmationResult, error)

	EstimateTransactionFee(ctx context.Context, tx *Transaction) (*FeeEstimate, error)
	GetCurrentBlockHeight(ctx context.Context) (uint64, error)
	ValidateAddress(address string) (*AddressValidationResult, error)

	// Optional capabilities return UNSUPPORTED where the chain lacks them
	DeployContract(ctx context.Context, deployment *ContractDeployment) (*TransactionResult, error)
	CallContract(ctx context.Context, call *ContractCall) ([]byte, error)
	SubscribeToEvents(ctx context.Context, filter *EventFilter) (<-chan ChainEvent, error)
	GetHistoricalEvents(ctx context.Context, filter *EventFilter) ([]ChainEvent, error)

	// Close releases network resources
	Close()
}

// ConnectionStatus is the result of a connectivity probe
type ConnectionStatus struct {
	Connected          bool
	LatencyMs          int64
	SyncedBlockHeight  uint64
	NetworkBlockHeight uint64
	IsSynced           bool
}

// AssetBalance is one item of a balance stream
type AssetBalance struct {
	AssetID string
	Balance decimal.Decimal
	Err     error
}

// Transaction is a chain-agnostic transaction request. RawData carries a
// fully signed payload in the chain's native encoding; the remaining fields
// describe it for fee estimation and logging.
type Transaction struct {
	RawData []byte
	From    string
	To      string
	Value   decimal.Decimal
	Data    []byte
	AssetID string
	Memo    string
}

// SendOptions tunes submission
type SendOptions struct {
	SkipPreflight bool
	MaxFee        *decimal.Decimal
}

// TransactionResult is returned after a successful submission
type TransactionResult struct {
	TxHash      string
	SubmittedAt time.Time
	// ContractAddress is set for deployments
	ContractAddress string
}

// TxState is the chain-agnostic execution state of a transaction
type TxState string

const (
	TxStatePending   TxState = "PENDING"
	TxStateConfirmed TxState = "CONFIRMED"
	TxStateFailed    TxState = "FAILED"
	TxStateNotFound  TxState = "NOT_FOUND"
)

// TransactionStatus is a point-in-time view of a submitted transaction
type TransactionStatus struct {
	TxHash        string
	State         TxState
	BlockHeight   uint64
	Confirmations uint64
	Error         string
}

// ConfirmationResult is returned once a transaction is sufficiently confirmed
type ConfirmationResult struct {
	TxHash        string
	BlockHeight   uint64
	Confirmations uint64
	Elapsed       time.Duration
}

// FeeEstimate is expressed in the chain's native asset
type FeeEstimate struct {
	Fee      decimal.Decimal
	GasLimit uint64
	GasPrice decimal.Decimal
	Unit     string
}

// AddressValidationResult describes an address check
type AddressValidationResult struct {
	Valid      bool
	Normalized string
	Reason     string
}

// ContractDeployment carries a signed deployment transaction
type ContractDeployment struct {
	RawData []byte
}

// ContractCall is a read-only contract invocation
type ContractCall struct {
	Contract    string
	Data        []byte
	BlockHeight *uint64
}

// EventFilter narrows event queries. Topics are chain-specific: EVM topic
// hashes, or Cosmos event query clauses.
type EventFilter struct {
	Addresses []string
	Topics    []string
	FromBlock uint64
	ToBlock   *uint64
	Limit     int
}

// ChainEvent is a chain-agnostic event record
type ChainEvent struct {
	ChainID     string
	TxHash      string
	BlockHeight uint64
	Address     string
	Name        string
	Data        map[string]string
	Raw         []byte
}
