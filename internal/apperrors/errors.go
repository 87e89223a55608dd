package apperrors

import (
	"errors"
	"fmt"
)

// RetryableError marks a failure that a redelivery may resolve (database hiccup,
// broker unavailable). Consumers NAK messages carrying it.
type RetryableError struct {
	Err error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err as a RetryableError with a formatted message.
func NewRetryable(err error, message string, args ...interface{}) error {
	return &RetryableError{Err: wrap(err, message, args...)}
}

// FatalError marks a failure that will not go away on redelivery (malformed
// payload, missing tenant). Consumers ACK and dead-letter messages carrying it.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps err as a FatalError with a formatted message.
func NewFatal(err error, message string, args ...interface{}) error {
	return &FatalError{Err: wrap(err, message, args...)}
}

func wrap(err error, message string, args ...interface{}) error {
	allArgs := append(args, err)
	return fmt.Errorf(message+": %w", allArgs...)
}

var (
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrValidation indicates failure during data validation.
	ErrValidation = errors.New("validation failed")
	// ErrDatabase indicates a general database interaction error.
	ErrDatabase = errors.New("database error")
	// ErrNATS indicates a general NATS communication error.
	ErrNATS = errors.New("nats communication error")
	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("duplicate resource")
	// ErrConflict indicates the row was not in the state the update expected.
	ErrConflict = errors.New("resource conflict")
	// ErrBadRequest indicates a write the database rejected for its content.
	ErrBadRequest = errors.New("bad request")
	// ErrBadPayload indicates an inbound event that cannot be decoded or validated.
	ErrBadPayload = errors.New("bad payload")
	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timeout")
	// ErrRateLimited indicates the per-counterparty call cap was reached.
	ErrRateLimited = errors.New("rate limited")
	// ErrDependency indicates the classifier, search or call-placing service failed.
	ErrDependency = errors.New("dependency error")
	// ErrNoDestination indicates no candidate phone number passed validation.
	ErrNoDestination = errors.New("no destination")
)

// IsRetryable checks if the error is a RetryableError or wraps one.
func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

// IsFatal checks if the error is a FatalError or wraps one.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

// IsNotFoundError checks if the error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if the error is or wraps ErrValidation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsDatabaseError checks if the error is or wraps ErrDatabase.
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

// IsDuplicateError checks if the error is or wraps ErrDuplicate.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsConflictError checks if the error is or wraps ErrConflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTimeoutError checks if the error is or wraps ErrTimeout.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDependencyError checks if the error is or wraps ErrDependency.
func IsDependencyError(err error) bool {
	return errors.Is(err, ErrDependency)
}

// IsNoDestinationError checks if the error is or wraps ErrNoDestination.
func IsNoDestinationError(err error) bool {
	return errors.Is(err, ErrNoDestination)
}
