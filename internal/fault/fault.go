// Package fault classifies failures of the game runtime engine.
package fault

import (
	"errors"
)

// Code is a machine-readable failure class.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation marks a malformed payload or missing exports. Fatal at load.
	CodeValidation Code = "VALIDATION"
	// CodeSecurity marks denylisted access from payload code.
	CodeSecurity Code = "SECURITY_VIOLATION"
	// CodeRuntimeCrash marks an unexpected exit of a runtime's process or container.
	CodeRuntimeCrash Code = "RUNTIME_CRASH"
	// CodeResourceExceeded marks a breached ceiling. Never restarted.
	CodeResourceExceeded Code = "RESOURCE_EXCEEDED"
	// CodeTransport marks handshake timeouts and sends on closed channels.
	CodeTransport Code = "TRANSPORT_FAILURE"
	// CodeProtocol marks envelopes out of order or of the wrong direction.
	CodeProtocol Code = "PROTOCOL_VIOLATION"

	CodeNotFound Code = "NOT_FOUND"
)

// Error is a classified error.
type Error struct {
	Code    Code
	Message string // Internal message, for logs only
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Coder is implemented by errors from other packages that carry a class.
type Coder interface {
	FaultCode() Code
}

// CodeOf returns the class of err, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	var c Coder
	if errors.As(err, &c) {
		return c.FaultCode()
	}
	return CodeUnknown
}

// Is reports whether err is classified as code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// UserMessage is the generic, player-facing notice for a failure class.
// Internal detail never reaches players.
func UserMessage(code Code) string {
	switch code {
	case CodeValidation:
		return "This game could not be loaded."
	case CodeSecurity:
		return "The game tried to do something it is not allowed to do."
	case CodeResourceExceeded:
		return "The game was stopped because it exceeded its limits."
	case CodeTransport, CodeRuntimeCrash:
		return "The game stopped responding."
	default:
		return "Something went wrong with the game."
	}
}
