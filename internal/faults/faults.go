// Package faults defines the dispatcher failure taxonomy: fatal configuration
// errors, expected drop/buffer outcomes, and the transient/permanent split
// that feeds the externalized retry engine.
package faults

import (
	"errors"
	"fmt"
)

// Fault codes used as retry-policy keys. Transient transport failures are
// wrapped into retry events under one of these codes.
const (
	// CodeTransportTimeout marks channel transport timeouts.
	CodeTransportTimeout = "transport_timeout"
	// CodeTransportUnavailable marks channel transport connectivity failures.
	CodeTransportUnavailable = "transport_unavailable"
	// CodeStoreUnavailable marks durable store write/read failures.
	CodeStoreUnavailable = "store_unavailable"
)

var (
	// ErrCorrelationMiss indicates a scheduler callback referencing unknown state.
	ErrCorrelationMiss = errors.New("no initial alert history found")
	// ErrStoreNotInitialized indicates a durable store used before setup.
	ErrStoreNotInitialized = errors.New("durable store is not initialized")
)

// ConfigurationError is a fatal startup-only misconfiguration.
// Params: human-readable reason.
// Returns: error that must halt process startup.
type ConfigurationError struct {
	Reason string
}

// Error returns the configuration failure message.
// Params: none.
// Returns: string representation.
func (e ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Configuration builds a fatal configuration error.
// Params: printf-style reason.
// Returns: typed configuration error.
func Configuration(format string, args ...any) error {
	return ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether the error is a fatal configuration error.
// Params: candidate error.
// Returns: true when startup must halt.
func IsConfiguration(err error) bool {
	var target ConfigurationError
	return errors.As(err, &target)
}

// PermanentError marks delivery failures that must not be retried.
// Params: wrapped root cause.
// Returns: typed permanent error marker.
type PermanentError struct {
	Err error
}

// Error returns the wrapped error message.
// Params: none.
// Returns: string representation.
func (e PermanentError) Error() string {
	if e.Err == nil {
		return "permanent delivery failure"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as non-retryable.
// Params: source error.
// Returns: wrapped error or nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsPermanent reports whether the error carries the permanent marker.
// Params: candidate error.
// Returns: true when the retry engine must not re-forward.
func IsPermanent(err error) bool {
	var target PermanentError
	return errors.As(err, &target)
}

// TransientError classifies a retryable delivery failure under a fault code.
// Params: retry-policy fault code and wrapped root cause.
// Returns: error consumed by the retry wrapper producer.
type TransientError struct {
	Code string
	Err  error
}

// Error returns the classified failure message.
// Params: none.
// Returns: string representation.
func (e TransientError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error under a retry-policy fault code.
// Params: fault code and source error.
// Returns: wrapped error or nil.
func Transient(code string, err error) error {
	if err == nil {
		return nil
	}
	return TransientError{Code: code, Err: err}
}

// FaultCode extracts the retry-policy code from a classified error.
// Params: candidate error.
// Returns: fault code and true, or empty and false for unclassified errors.
func FaultCode(err error) (string, bool) {
	var target TransientError
	if errors.As(err, &target) {
		return target.Code, true
	}
	return "", false
}
