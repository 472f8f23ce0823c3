package errors

import (
	"fmt"
	"runtime"
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeRegistration  ErrorType = "registration"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeCodec         ErrorType = "codec"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context.
// A nil cause yields a nil error.
func Wrap(err error, errType ErrorType, operation, message string) error {
	if err == nil {
		return nil
	}
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// TypeOf returns the ErrorType of the outermost StructuredError in err's
// chain, or "" when there is none.
func TypeOf(err error) ErrorType {
	for err != nil {
		if se, ok := err.(*StructuredError); ok {
			return se.Type
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[:n]
}

// NewCodecError creates a snapshot encoding error
func NewCodecError(operation, message string) *StructuredError {
	return New(ErrorTypeCodec, operation, message)
}

// WrapValidationError wraps an error as a validation error
func WrapValidationError(err error, operation, message string) error {
	return Wrap(err, ErrorTypeValidation, operation, message)
}

// WrapNetworkError wraps an error as a network error
func WrapNetworkError(err error, operation, message string) error {
	return Wrap(err, ErrorTypeNetwork, operation, message)
}

// WrapRegistrationError wraps an error as a registration error
func WrapRegistrationError(err error, operation, message string) error {
	return Wrap(err, ErrorTypeRegistration, operation, message)
}

// WrapConfigurationError wraps an error as a configuration error
func WrapConfigurationError(err error, operation, message string) error {
	return Wrap(err, ErrorTypeConfiguration, operation, message)
}

// WrapTimeoutError wraps an error as a timeout error
func WrapTimeoutError(err error, operation, message string) error {
	return Wrap(err, ErrorTypeTimeout, operation, message)
}

// WrapCodecError wraps an error as a codec error
func WrapCodecError(err error, operation, message string) error {
	return Wrap(err, ErrorTypeCodec, operation, message)
}
