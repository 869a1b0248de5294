package datachat

import "github.com/vango-go/datachat/pkg/core"

// Error is the structured error returned by every operation.
type Error = core.Error

// Error types
const (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrAuthentication = core.ErrAuthentication
	ErrProtocol       = core.ErrProtocol
	ErrTransport      = core.ErrTransport
	ErrSessionInvalid = core.ErrSessionInvalid
	ErrBinding        = core.ErrBinding
	ErrTimeout        = core.ErrTimeout
	ErrInvalidState   = core.ErrInvalidState
)

// IsType reports whether err is a structured error of type t.
var IsType = core.IsType
