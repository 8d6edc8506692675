package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// WrapBridgeError wraps an error as a BridgeError if it isn't already one
func WrapBridgeError(err error, code ErrorCode, chain, message string) *BridgeError {
	if err == nil {
		return nil
	}

	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		bridgeErr.WithContext("wrapped_message", message)
		if chain != "" && bridgeErr.Chain == "" {
			bridgeErr.Chain = chain
		}
		return bridgeErr
	}

	return New(code, chain, message, err)
}

// Is checks if an error is of a specific type
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to a target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsCode checks if an error is a BridgeError with specific code
func IsCode(err error, code ErrorCode) bool {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost BridgeError, or INTERNAL.
func CodeOf(err error) ErrorCode {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Code
	}
	return ErrCodeInternal
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
	"503",
	"502",
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsSecurityRelevant reports whether err carries a security-relevant code.
func IsSecurityRelevant(err error) bool {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.IsSecurityRelevant()
	}
	return false
}

// Classify turns an arbitrary chain client error into a BridgeError.
// Existing BridgeErrors pass through unchanged.
func Classify(chain, operation string, err error) *BridgeError {
	if err == nil {
		return nil
	}

	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr
	}

	msg := operation + " failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(ErrCodeTimeout, chain, msg, err)
	case errors.Is(err, context.Canceled):
		return New(ErrCodeTimeout, chain, msg+" (canceled)", err)
	case IsRetryable(err):
		return New(ErrCodeNetwork, chain, msg, err)
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "malformed"), strings.Contains(lower, "decode"):
		return New(ErrCodeInvalidInput, chain, msg, err)
	case strings.Contains(lower, "rejected"), strings.Contains(lower, "revert"),
		strings.Contains(lower, "insufficient funds"), strings.Contains(lower, "nonce too low"),
		strings.Contains(lower, "underpriced"):
		return New(ErrCodeChainRejected, chain, msg, err)
	default:
		return New(ErrCodeNetwork, chain, msg, err)
	}
}

// GetSeverity returns the severity of an error
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}

	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Severity
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "panic") || strings.Contains(errStr, "fatal") {
		return SeverityCritical
	}
	if strings.Contains(errStr, "failed") || strings.Contains(errStr, "error") {
		return SeverityHigh
	}
	return SeverityLow
}
