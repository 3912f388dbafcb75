// Package errors provides the structured error type shared by the eHash coordinators.
// Every coordinator failure is classified by ErrorType, and the type decides whether
// the failing event goes to a retry queue or is rejected outright.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents malformed input such as an unparsable pubkey
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDuplicate represents an event that was already processed
	ErrorTypeDuplicate ErrorType = "duplicate"
	// ErrorTypeInvariant represents an operation attempted in the wrong lifecycle state
	ErrorTypeInvariant ErrorType = "invariant"
	// ErrorTypeTokenEngine represents a token engine rejection or timeout
	ErrorTypeTokenEngine ErrorType = "token_engine"
	// ErrorTypeSettlement represents a failed block reward or payout query
	ErrorTypeSettlement ErrorType = "settlement"
	// ErrorTypeDatabase represents database-related errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeExhausted represents a coordinator that ran out of retry budget
	ErrorTypeExhausted ErrorType = "exhausted"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap wraps an existing error with context.
//
// The wrapped error is retryable when either its new type or the cause says so,
// except that a cancelled context is never retried.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByType(errorType)
	var se *ServiceError
	if errors.As(err, &se) {
		// A permanent inner classification wins over a transient outer type.
		if se.Type == ErrorTypeValidation || se.Type == ErrorTypeDuplicate || se.Type == ErrorTypeInvariant {
			retryable = false
		} else {
			retryable = retryable || se.Retryable
		}
	} else {
		retryable = retryable || isRetryableByDefault(err)
	}
	if errors.Is(err, context.Canceled) {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka,
		ErrorTypeTokenEngine, ErrorTypeSettlement, ErrorTypeDatabase:
		return true
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// TypeOf returns the outermost ErrorType of err, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type
	}
	return ErrorTypeInternal
}

// IsPermanent reports whether err describes bad input or a violated invariant.
// Permanent errors are rejected immediately and never queued for retry.
func IsPermanent(err error) bool {
	var se *ServiceError
	for e := err; errors.As(e, &se); e = se.Cause {
		switch se.Type {
		case ErrorTypeValidation, ErrorTypeDuplicate, ErrorTypeInvariant:
			return true
		}
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
