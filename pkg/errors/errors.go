// Package errors provides structured error handling for Tidewater.
//
// Every failure that crosses a component boundary is an *Error carrying an
// ErrorType. The type decides how the orchestrator reacts: retryable types
// cause the failed stage to be retried with backoff, fatal types stop the
// account's run immediately, and data errors are recorded per record.
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents invalid input, including non-retryable 4xx responses
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict represents conflicting writers, such as a held account lease
	// or a watermark that moved underneath a run
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeRateLimit represents a provider throttling response (RateLimitExceeded)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeRemote represents a provider 5xx response (RemoteError)
	ErrorTypeRemote ErrorType = "remote"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuthentication represents a failed credential refresh (AuthFailure).
	// It needs an operator to fix the credential and is never retried.
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeAuthRejected represents a provider rejecting a credential that
	// looked valid locally (AuthRejected)
	ErrorTypeAuthRejected ErrorType = "auth_rejected"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents a single malformed record (DataQualityError)
	ErrorTypeData ErrorType = "data"
	// ErrorTypeQualityThreshold represents a batch whose malformed-record rate
	// exceeded the configured threshold
	ErrorTypeQualityThreshold ErrorType = "quality_threshold"
	// ErrorTypeWarehouse represents a failed warehouse write (WarehouseWriteError)
	ErrorTypeWarehouse ErrorType = "warehouse"
	// ErrorTypeWarehouseUnreachable represents a warehouse that cannot be reached at all
	ErrorTypeWarehouseUnreachable ErrorType = "warehouse_unreachable"
	// ErrorTypeCancelled represents a run cancelled between stages
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Annotate wraps err with a message while keeping the type of the outermost
// *Error in its chain. Untyped errors become ErrorTypeInternal, except
// context cancellation which becomes ErrorTypeCancelled.
func Annotate(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, TypeOf(err), message)
}

// TypeOf returns the type of the outermost *Error in err's chain.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	return ErrorTypeInternal
}

// IsRetryable returns true if the error is transient and the failed
// operation may be attempted again.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeRemote, ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeWarehouse:
		return true
	default:
		return false
	}
}

// IsFatal returns true for errors that must stop an account's run and be
// surfaced to alerting rather than retried.
func IsFatal(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeAuthentication, ErrorTypeQualityThreshold, ErrorTypeWarehouseUnreachable, ErrorTypeConfig:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// HasType reports whether any *Error in err's chain has the given type.
func HasType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// Is and As re-export the standard library helpers so callers need a single import.
var (
	Is = errors.Is
	As = errors.As
)

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
