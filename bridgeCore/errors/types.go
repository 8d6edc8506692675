package errors

import (
	"fmt"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeNetwork indicates a transient network failure talking to a chain or peer
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeTimeout indicates an operation ran out of time
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeInsufficientValidators indicates fewer than the quorum threshold are active
	ErrCodeInsufficientValidators ErrorCode = "INSUFFICIENT_VALIDATORS"

	// ErrCodeQuorumFailed indicates the selected validators did not produce enough valid signatures
	ErrCodeQuorumFailed ErrorCode = "QUORUM_FAILED"

	// ErrCodeInvalidSignature indicates a signature failed cryptographic verification
	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"

	// ErrCodeVersionConflict indicates an optimistic-lock compare-and-swap lost a race
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// ErrCodeUnsupported indicates a chain does not implement an optional capability
	ErrCodeUnsupported ErrorCode = "UNSUPPORTED"

	// ErrCodeHashLockMismatch indicates a revealed secret does not hash to the stored lock
	ErrCodeHashLockMismatch ErrorCode = "HASH_LOCK_MISMATCH"

	// ErrCodeSwapExpired indicates the HTLC time lock elapsed
	ErrCodeSwapExpired ErrorCode = "SWAP_EXPIRED"

	// ErrCodeInvalidInput indicates malformed caller input
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeChainRejected indicates the chain refused or reverted a transaction
	ErrCodeChainRejected ErrorCode = "CHAIN_REJECTED"

	// ErrCodeInvalidState indicates an illegal state machine transition
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// ErrCodeNotFound indicates a missing record
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeDatabase indicates database operation errors
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeConfig indicates configuration errors
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrNetwork                = &BridgeError{Code: ErrCodeNetwork}
	ErrTimeout                = &BridgeError{Code: ErrCodeTimeout}
	ErrInsufficientValidators = &BridgeError{Code: ErrCodeInsufficientValidators}
	ErrQuorumFailed           = &BridgeError{Code: ErrCodeQuorumFailed}
	ErrInvalidSignature       = &BridgeError{Code: ErrCodeInvalidSignature}
	ErrVersionConflict        = &BridgeError{Code: ErrCodeVersionConflict}
	ErrUnsupported            = &BridgeError{Code: ErrCodeUnsupported}
	ErrHashLockMismatch       = &BridgeError{Code: ErrCodeHashLockMismatch}
	ErrSwapExpired            = &BridgeError{Code: ErrCodeSwapExpired}
	ErrInvalidInput           = &BridgeError{Code: ErrCodeInvalidInput}
	ErrChainRejected          = &BridgeError{Code: ErrCodeChainRejected}
	ErrInvalidState           = &BridgeError{Code: ErrCodeInvalidState}
	ErrNotFound               = &BridgeError{Code: ErrCodeNotFound}
)

// BridgeError is the classified error type surfaced by every core component
type BridgeError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Chain    string                 `json:"chain,omitempty"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// New creates a new BridgeError
func New(code ErrorCode, chain, message string, cause error) *BridgeError {
	return &BridgeError{
		Code:     code,
		Message:  message,
		Chain:    chain,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Chain != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Chain, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a BridgeError carrying the same code.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithContext adds context to the error
func (e *BridgeError) WithContext(key string, value interface{}) *BridgeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default severity
func (e *BridgeError) WithSeverity(severity Severity) *BridgeError {
	e.Severity = severity
	return e
}

// IsRetryable returns true if the error is retryable
func (e *BridgeError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNetwork, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// IsSecurityRelevant reports errors that must never be retried automatically.
func (e *BridgeError) IsSecurityRelevant() bool {
	return e.Code == ErrCodeInvalidSignature || e.Code == ErrCodeHashLockMismatch
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal, ErrCodeInvalidSignature, ErrCodeHashLockMismatch:
		return SeverityCritical
	case ErrCodeDatabase, ErrCodeInsufficientValidators, ErrCodeQuorumFailed:
		return SeverityHigh
	case ErrCodeNetwork, ErrCodeTimeout, ErrCodeChainRejected, ErrCodeSwapExpired:
		return SeverityMedium
	case ErrCodeInvalidInput, ErrCodeConfig, ErrCodeVersionConflict, ErrCodeInvalidState, ErrCodeUnsupported:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// ErrorGroup represents a collection of errors
type ErrorGroup struct {
	Errors []error
}

// NewErrorGroup creates a new error group
func NewErrorGroup() *ErrorGroup {
	return &ErrorGroup{
		Errors: make([]error, 0),
	}
}

// Add adds an error to the group
func (eg *ErrorGroup) Add(err error) {
	if err != nil {
		eg.Errors = append(eg.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (eg *ErrorGroup) HasErrors() bool {
	return len(eg.Errors) > 0
}

// Error implements the error interface
func (eg *ErrorGroup) Error() string {
	if len(eg.Errors) == 0 {
		return ""
	}
	if len(eg.Errors) == 1 {
		return eg.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(eg.Errors), eg.Errors[0])
}

// ErrOrNil returns the group as an error, or nil when empty.
func (eg *ErrorGroup) ErrOrNil() error {
	if !eg.HasErrors() {
		return nil
	}
	return eg
}

// Common error constructors

func NewNetworkError(chain, message string, cause error) *BridgeError {
	return New(ErrCodeNetwork, chain, message, cause)
}

func NewTimeoutError(chain, message string) *BridgeError {
	return New(ErrCodeTimeout, chain, message, nil)
}

func NewInsufficientValidatorsError(active, threshold int) *BridgeError {
	return New(ErrCodeInsufficientValidators, "",
		fmt.Sprintf("only %d active validators, quorum requires %d", active, threshold), nil).
		WithContext("active", active).
		WithContext("threshold", threshold)
}

func NewQuorumFailedError(valid, threshold int) *BridgeError {
	return New(ErrCodeQuorumFailed, "",
		fmt.Sprintf("collected %d valid signatures, quorum requires %d", valid, threshold), nil).
		WithContext("valid", valid).
		WithContext("threshold", threshold)
}

func NewInvalidSignatureError(validatorID string, cause error) *BridgeError {
	return New(ErrCodeInvalidSignature, "", "invalid signature from validator "+validatorID, cause).
		WithContext("validator_id", validatorID)
}

func NewVersionConflictError(id string, expected uint64) *BridgeError {
	return New(ErrCodeVersionConflict, "", fmt.Sprintf("record %s moved past version %d", id, expected), nil).
		WithContext("id", id).
		WithContext("expected_version", expected)
}

func NewUnsupportedError(chain, operation string) *BridgeError {
	return New(ErrCodeUnsupported, chain, operation+" is not supported on this chain", nil).
		WithContext("operation", operation)
}

func NewHashLockMismatchError(swapID string) *BridgeError {
	return New(ErrCodeHashLockMismatch, "", "secret does not match hash lock of swap "+swapID, nil).
		WithContext("swap_id", swapID)
}

func NewSwapExpiredError(swapID string) *BridgeError {
	return New(ErrCodeSwapExpired, "", "swap "+swapID+" has expired", nil).
		WithContext("swap_id", swapID)
}

func NewInvalidInputError(chain, message string) *BridgeError {
	return New(ErrCodeInvalidInput, chain, message, nil)
}

func NewChainRejectedError(chain, message string, cause error) *BridgeError {
	return New(ErrCodeChainRejected, chain, message, cause)
}

func NewInvalidStateError(message string) *BridgeError {
	return New(ErrCodeInvalidState, "", message, nil)
}

func NewNotFoundError(kind, id string) *BridgeError {
	return New(ErrCodeNotFound, "", kind+" "+id+" not found", nil).WithContext("id", id)
}

func NewDatabaseError(message string, cause error) *BridgeError {
	return New(ErrCodeDatabase, "", message, cause)
}

func NewConfigError(chain, message string) *BridgeError {
	return New(ErrCodeConfig, chain, message, nil)
}

func NewInternalError(chain, message string, cause error) *BridgeError {
	return New(ErrCodeInternal, chain, message, cause)
}
