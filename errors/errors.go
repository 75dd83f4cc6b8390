// Package errors provides standardized error handling patterns for echomux
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping across the system.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors (connection hiccups, full queues)
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorProtocol represents peer protocol violations; fatal to one session only
	ErrorProtocol
	// ErrorIO represents transport I/O failures; fatal to one session only
	ErrorIO
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorProtocol:
		return "protocol"
	case ErrorIO:
		return "io"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrClosed         = errors.New("closed")

	// Construction errors
	ErrMissingDependency = errors.New("missing required dependency")
	ErrInvalidArgument   = errors.New("invalid argument")

	// Transport errors
	ErrNotConnected       = errors.New("not connected")
	ErrPublicationClosed  = errors.New("publication closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrChannelOpenFailed  = errors.New("channel open failed")

	// Protocol errors
	ErrBadMessage      = errors.New("bad message")
	ErrInvalidEncoding = errors.New("invalid text encoding")

	// Allocation errors
	ErrSessionsExhausted = errors.New("session ids exhausted")
	ErrPortsExhausted    = errors.New("ports exhausted")
	ErrQuotaExceeded     = errors.New("per-address quota exceeded")

	// Executor errors
	ErrQueueFull      = errors.New("task queue full")
	ErrExecutorClosed = errors.New("executor closed")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsProtocol checks whether an error is a peer protocol violation
func IsProtocol(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorProtocol
	}

	return errors.Is(err, ErrBadMessage) || errors.Is(err, ErrInvalidEncoding)
}

// IsIO checks whether an error is a transport I/O failure
func IsIO(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorIO
	}

	return errors.Is(err, ErrPublicationClosed) ||
		errors.Is(err, ErrSubscriptionClosed) ||
		errors.Is(err, ErrNotConnected)
}

// IsInvalid checks whether an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrMissingDependency)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case IsProtocol(err):
		return ErrorProtocol
	case IsIO(err):
		return ErrorIO
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// newClassified creates a new classified error.
// Internal helper - use the Wrap family instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// WrapProtocol wraps an error as a protocol violation with context
func WrapProtocol(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorProtocol, wrappedErr, component, method, wrappedErr.Error())
}

// WrapIO wraps an error as a transport I/O failure with context
func WrapIO(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorIO, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// aggregateError reports a primary failure together with a secondary failure
// that occurred while handling the primary one. Both are reachable through
// errors.Is / errors.As.
type aggregateError struct {
	primary   error
	secondary error
}

func (ae *aggregateError) Error() string {
	return fmt.Sprintf("%v (additionally: %v)", ae.primary, ae.secondary)
}

func (ae *aggregateError) Unwrap() []error {
	return []error{ae.primary, ae.secondary}
}

// WithSecondary attaches a secondary failure to a primary one. The primary
// error dominates the message and the classification; the secondary failure
// remains observable via errors.Is and errors.As. Either argument may be nil,
// in which case the other is returned unchanged.
func WithSecondary(primary, secondary error) error {
	if primary == nil {
		return secondary
	}
	if secondary == nil {
		return primary
	}
	return &aggregateError{primary: primary, secondary: secondary}
}
