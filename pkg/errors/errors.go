// Package errors provides structured error handling for blockseal services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeValidation represents rejected input such as an out-of-range difficulty
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeExhausted represents a search that ran out of its attempt or time budget
	ErrorTypeExhausted ErrorType = "exhausted"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeCache represents nonce cache (Redis) errors
	ErrorTypeCache ErrorType = "cache"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
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
// When err already carries a ServiceError its retry flag is kept, so a
// failure classified at its source stays classified. Otherwise the result
// is retryable if errorType is a retryable category or err looks transient.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	var se *ServiceError
	if errors.As(err, &se) {
		return &ServiceError{
			Type:      errorType,
			Operation: operation,
			Message:   message,
			Cause:     err,
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType) || isRetryableByDefault(err),
	}
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeExhausted:
		return true
	case ErrorTypeValidation:
		return false
	default:
		return false
	}
}

// transientMessages are substrings of errors from clients that do not
// expose typed errors, such as Redis pool exhaustion
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
}

// isRetryableByDefault classifies errors that carry no ServiceError
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	// Caller cancellation is never retried
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// kafka-go protocol errors report Temporary()
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, msg := range transientMessages {
		if strings.Contains(errStr, msg) {
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

// Find returns the outermost ServiceError in err's chain, or nil
func Find(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// TypeOf returns the type of the outermost ServiceError in err's chain, or
// ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	if se := Find(err); se != nil {
		return se.Type
	}
	return ErrorTypeInternal
}

// Fields flattens the context of every ServiceError in err's chain into
// slog-style key/value pairs. Outer errors win on duplicate keys.
func Fields(err error) []any {
	merged := make(map[string]any)
	for err != nil {
		if se, ok := err.(*ServiceError); ok {
			for k, v := range se.Context {
				if _, seen := merged[k]; !seen {
					merged[k] = v
				}
			}
		}
		err = errors.Unwrap(err)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		fields = append(fields, k, merged[k])
	}
	return fields
}
