package imapcore

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy members that don't carry a structured
// payload of their own. Wrap one of these with fmt.Errorf's %w (see
// imapclient's invalidStateError/unsupportedError/cancelledError/
// timeoutError/ioError helpers) so callers can test for them with
// errors.Is regardless of the surrounding message text.
var (
	// ErrInvalidState is returned when a caller invokes an operation that
	// is illegal in the engine's current connection state (e.g. IDLE
	// before a mailbox is selected, or any command after the connection
	// has moved to the terminal Logout/disconnected state).
	ErrInvalidState = errors.New("invalid state")
	// ErrUnsupported is returned when an operation needs a capability the
	// server hasn't advertised.
	ErrUnsupported = errors.New("unsupported")
	// ErrCancelled is returned when a caller cancels a command in flight.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout is returned when blocking I/O exceeds a configured
	// timeout.
	ErrTimeout = errors.New("timeout")
	// ErrIO is returned on a transport failure; the connection is no
	// longer usable.
	ErrIO = errors.New("i/o error")
)

// ProtocolErrorKind classifies a ProtocolError.
type ProtocolErrorKind string

const (
	ProtocolErrorSyntax          ProtocolErrorKind = "syntax"
	ProtocolErrorUnexpectedToken ProtocolErrorKind = "unexpected-token"
	ProtocolErrorOverflow        ProtocolErrorKind = "overflow"
)

// ProtocolError reports a malformed token or a token that's unexpected
// for the current grammar position (including numeric overflow). It is
// always fatal: the connection that produced it is torn down.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Detail string
}

func (err *ProtocolError) Error() string {
	return fmt.Sprintf("imapcore: protocol error (%s): %s", err.Kind, err.Detail)
}

// AuthenticationError is the CommandError returned by a failed
// AUTHENTICATE or LOGIN command, enriched with the reason carried by an
// [AUTHENTICATIONFAILED]/[AUTHORIZATIONFAILED]/[UNAVAILABLE] response
// code when the server provided one.
type AuthenticationError struct {
	Err *Error
}

func (err *AuthenticationError) Unwrap() error { return err.Err }

func (err *AuthenticationError) Error() string {
	return "imapcore: authentication failed: " + err.Err.Error()
}

// IsAuthenticationFailure reports whether err is the CommandError from a
// rejected AUTHENTICATE or LOGIN, i.e. whether it should be wrapped as an
// AuthenticationError.
func IsAuthenticationFailure(err *Error) bool {
	switch err.Code {
	case ResponseCodeAuthenticationFailed, ResponseCodeAuthorizationFailed, ResponseCodeUnavailable, ResponseCodeExpired, ResponseCodePrivacyRequired:
		return true
	default:
		return false
	}
}
