package core

import (
	"errors"
	"fmt"
)

// Error represents an orchestrator or remote service error.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// Remote service errors, inferred from HTTP status or the error envelope.
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"

	// Orchestrator taxonomy.
	ErrMalformedRecord ErrorType = "malformed_record"
	ErrProtocol        ErrorType = "protocol_error"
	ErrTransport       ErrorType = "transport_error"
	ErrSessionInvalid  ErrorType = "session_invalid"
	ErrBinding         ErrorType = "binding_error"
	ErrTimeout         ErrorType = "timeout_error"
	ErrInvalidState    ErrorType = "invalid_state"
)

// ConnectivityMessage is surfaced when a stage stream drops before a terminal
// record and the server sent no structured error.
const ConnectivityMessage = "lost connection to the data service before the dataset was ready"

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewProtocolError wraps an explicit ERROR stage record. The message is kept verbatim.
func NewProtocolError(message, code string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
		Code:    code,
	}
}

// NewTransportError maps a dropped or failed connection to the generic
// connectivity error. The underlying cause stays reachable through Unwrap.
func NewTransportError(cause error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: ConnectivityMessage,
		cause:   cause,
	}
}

// NewTimeoutError creates a timeout error for an operation that exceeded its ceiling.
func NewTimeoutError(op string, cause error) *Error {
	return &Error{
		Type:    ErrTimeout,
		Message: fmt.Sprintf("%s timed out", op),
		cause:   cause,
	}
}

// NewSessionInvalidError creates a session-invalid error. It is never retryable in place.
func NewSessionInvalidError(message string) *Error {
	return &Error{
		Type:    ErrSessionInvalid,
		Message: message,
	}
}

// NewBindingError creates an error for an operation against an unknown conversation.
func NewBindingError(conversationID, message string) *Error {
	return &Error{
		Type:    ErrBinding,
		Message: fmt.Sprintf("conversation %q: %s", conversationID, message),
	}
}

// NewInvalidStateError reports a lifecycle transition that is not allowed.
func NewInvalidStateError(op, state string) *Error {
	return &Error{
		Type:    ErrInvalidState,
		Message: fmt.Sprintf("%s is not allowed in state %s", op, state),
	}
}

// WithCause returns a copy of e that unwraps to cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI, ErrProtocol, ErrTransport, ErrTimeout:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// IsType reports whether err is (or wraps) a *Error of the given type.
func IsType(err error, t ErrorType) bool {
	var coreErr *Error
	if !errors.As(err, &coreErr) {
		return false
	}
	return coreErr.Type == t
}
