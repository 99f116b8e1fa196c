package memory

import (
	"errors"
)

// ErrorKind categorizes failures from the engine's external collaborators.
type ErrorKind string

const (
	ErrorKindProviderUnavailable ErrorKind = "provider_unavailable"
	ErrorKindProviderTimeout     ErrorKind = "provider_timeout"
	ErrorKindStoreUnavailable    ErrorKind = "store_unavailable"
	ErrorKindNotFound            ErrorKind = "not_found"
	ErrorKindInvariantViolation  ErrorKind = "invariant_violation"
)

// Error is the engine's typed error. Provider and store failures are
// retryable from the caller's point of view; the engine itself never retries
// and guarantees the tree is unchanged when one of these is returned.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// IsNotFound checks whether err reports a missing node or message.
func IsNotFound(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == ErrorKindNotFound
}

// IsRetryable checks whether the failed operation may be retried by the caller.
func IsRetryable(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Retryable
}

// NewProviderUnavailableError wraps a failed embedding or generation call.
func NewProviderUnavailableError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindProviderUnavailable, Message: message, Retryable: true, Cause: cause}
}

// NewProviderTimeoutError wraps a timed-out embedding or generation call.
func NewProviderTimeoutError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindProviderTimeout, Message: message, Retryable: true, Cause: cause}
}

// NewStoreUnavailableError wraps a failed node store call.
func NewStoreUnavailableError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindStoreUnavailable, Message: message, Retryable: true, Cause: cause}
}

// NewNotFoundError reports a missing node or message. Non-fatal for most
// operations; reinforce on a pruned node simply has no effect.
func NewNotFoundError(message string) *Error {
	return &Error{Kind: ErrorKindNotFound, Message: message, Retryable: false}
}

// NewInvariantViolationError reports a tree invariant breach. Operations clamp
// to the nearest valid state and log instead of crashing, so in practice this
// surfaces only from explicit validation.
func NewInvariantViolationError(message string) *Error {
	return &Error{Kind: ErrorKindInvariantViolation, Message: message, Retryable: false}
}
