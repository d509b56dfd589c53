package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for callers and for transport across the procedure bridge.
type ErrorKind string

const (
	// ErrorKindNotFound indicates an unknown instance, macro, or event id.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindInvalidState indicates a transition requested while another is in flight,
	// or a target state unreachable from the current one.
	ErrorKindInvalidState ErrorKind = "invalid_state"

	// ErrorKindUnsupported indicates a capability the workload kind does not implement.
	ErrorKindUnsupported ErrorKind = "unsupported"

	// ErrorKindInternal indicates a bridge contract violation, sandbox crash,
	// or unexpected channel closure.
	ErrorKindInternal ErrorKind = "internal"

	// ErrorKindBadRequest indicates an invalid caller-supplied argument.
	ErrorKindBadRequest ErrorKind = "bad_request"
)

// Validate checks if the kind is one of the known kinds.
func (k ErrorKind) Validate() error {
	switch k {
	case ErrorKindNotFound, ErrorKindInvalidState, ErrorKindUnsupported,
		ErrorKindInternal, ErrorKindBadRequest:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// Error is a classified error with context.
type Error struct {
	// Kind is the taxonomy classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Instance is the instance the error concerns, if any.
	Instance string `json:"instance,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	switch {
	case e.Instance != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (instance=%s, operation=%s)", msg, e.Instance, e.Operation)
	case e.Instance != "":
		msg = fmt.Sprintf("%s (instance=%s)", msg, e.Instance)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewError creates an error of an arbitrary kind, used when decoding bridge failures.
func NewError(kind ErrorKind, message string) *Error {
	if kind.Validate() != nil {
		kind = ErrorKindInternal
	}
	return newError(kind, message, nil)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *Error {
	return newError(ErrorKindNotFound, message, err).WithCode(ErrCodeNotFound)
}

// NewInvalidStateError creates a new invalid-state error.
func NewInvalidStateError(message string, err error) *Error {
	return newError(ErrorKindInvalidState, message, err)
}

// NewAlreadyInProgressError creates the invalid-state error returned when a transition
// could not acquire the instance's guard.
func NewAlreadyInProgressError(message string, err error) *Error {
	return newError(ErrorKindInvalidState, message, err).WithCode(ErrCodeAlreadyInProgress)
}

// NewUnsupportedError creates a new unsupported-operation error.
func NewUnsupportedError(message string, err error) *Error {
	return newError(ErrorKindUnsupported, message, err)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *Error {
	return newError(ErrorKindInternal, message, err)
}

// NewBadRequestError creates a new bad-request error.
func NewBadRequestError(message string, err error) *Error {
	return newError(ErrorKindBadRequest, message, err)
}

// WithInstance adds instance context to an error.
func (e *Error) WithInstance(instance string) *Error {
	e.Instance = instance
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are reported as internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindInternal
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	return isKind(err, ErrorKindNotFound)
}

// IsInvalidState returns true if the error is classified as invalid state.
func IsInvalidState(err error) bool {
	return isKind(err, ErrorKindInvalidState)
}

// IsAlreadyInProgress returns true if a transition was rejected because another was in flight.
func IsAlreadyInProgress(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrorKindInvalidState && e.Code == ErrCodeAlreadyInProgress
	}
	return false
}

// IsUnsupported returns true if the error is classified as unsupported.
func IsUnsupported(err error) bool {
	return isKind(err, ErrorKindUnsupported)
}

// IsInternal returns true if the error is classified as internal.
func IsInternal(err error) bool {
	return isKind(err, ErrorKindInternal)
}

// IsBadRequest returns true if the error is classified as a bad request.
func IsBadRequest(err error) bool {
	return isKind(err, ErrorKindBadRequest)
}

// Common error codes.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyInProgress = "ALREADY_IN_PROGRESS"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeSandboxExited     = "SANDBOX_EXITED"
	ErrCodeResultMismatch    = "RESULT_MISMATCH"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeKilled            = "KILLED"
)
