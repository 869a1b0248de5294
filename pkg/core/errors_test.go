package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "invalid dataset url",
	}

	expected := "invalid_request_error: invalid dataset url"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := NewProtocolError("sheet is private", "source_forbidden")

	expected := "protocol_error: sheet is private (code: source_forbidden)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewTransportError_GenericMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := NewTransportError(cause)
	if err.Type != ErrTransport {
		t.Errorf("Type = %v, want %v", err.Type, ErrTransport)
	}
	if err.Message != ConnectivityMessage {
		t.Errorf("Message = %q, want connectivity message", err.Message)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to reach the cause")
	}
}

func TestNewTimeoutError_WrapsDeadline(t *testing.T) {
	err := NewTimeoutError("query", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout error to wrap context.DeadlineExceeded")
	}
	if err.Message != "query timed out" {
		t.Fatalf("Message = %q", err.Message)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := map[ErrorType]bool{
		ErrProtocol:       true,
		ErrTransport:      true,
		ErrTimeout:        true,
		ErrRateLimit:      true,
		ErrSessionInvalid: false,
		ErrBinding:        false,
		ErrInvalidState:   false,
		ErrAuthentication: false,
	}
	for typ, want := range cases {
		if got := (&Error{Type: typ}).IsRetryable(); got != want {
			t.Errorf("IsRetryable(%s) = %v, want %v", typ, got, want)
		}
	}
}

func TestIsType_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("switch: %w", NewBindingError("c-1", "unknown conversation"))
	if !IsType(err, ErrBinding) {
		t.Fatalf("expected IsType to match wrapped binding error")
	}
	if IsType(err, ErrTransport) {
		t.Fatalf("unexpected match for transport type")
	}
	if IsType(errors.New("plain"), ErrBinding) {
		t.Fatalf("plain error must not match")
	}
}

func TestWithCause_DoesNotMutateOriginal(t *testing.T) {
	base := NewAPIError("boom")
	cause := errors.New("inner")
	wrapped := base.WithCause(cause)
	if base.Unwrap() != nil {
		t.Fatalf("original error was mutated")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected wrapped error to unwrap to cause")
	}
}
