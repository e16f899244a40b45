// Package errors provides the structured error type shared by equipool components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies where a failure originated.
type ErrorType string

const (
	// ErrorTypeNetwork covers socket and listener failures
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation covers malformed input and configuration
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase covers Redis, PostgreSQL and InfluxDB failures
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeDaemon covers coin daemon RPC failures
	ErrorTypeDaemon ErrorType = "daemon"
	// ErrorTypeBroker covers Kafka and ZMQ failures
	ErrorTypeBroker ErrorType = "broker"
	// ErrorTypeTimeout covers deadlines
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeProtocol covers stratum wire violations
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeInternal is everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error annotated with the failing operation and free-form context.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if attempted again.
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns the same error for chaining.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without a cause.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap annotates err. A nil err yields nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := retryableCause(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
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

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeBroker, ErrorTypeDaemon:
		return true
	default:
		return false
	}
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"i/o timeout",
	"timeout",
	"temporary failure",
	"too many connections",
	"loading",
	"work queue depth exceeded",
}

func retryableCause(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsType reports whether any ServiceError in the chain has the given type.
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err should be attempted again.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return retryableCause(err)
}

// GetContext returns the context map of the outermost ServiceError.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
