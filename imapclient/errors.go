package imapclient

import (
	"fmt"

	"github.com/inboxkit/imapcore"
)

// invalidStateError reports that op is illegal while the connection is in
// state. It wraps imapcore.ErrInvalidState so callers can test for it
// with errors.Is regardless of the message text.
func invalidStateError(op string, state imapcore.ConnState) error {
	return fmt.Errorf("imapclient: %s: %w (current state: %v)", op, imapcore.ErrInvalidState, state)
}

// unsupportedError reports that feature needs a capability the server
// hasn't advertised. It wraps imapcore.ErrUnsupported.
func unsupportedError(feature string) error {
	return fmt.Errorf("imapclient: %w: %s", imapcore.ErrUnsupported, feature)
}

// cancelledError reports that the command tagged tag was cancelled in
// flight. It wraps imapcore.ErrCancelled.
func cancelledError(tag string) error {
	return fmt.Errorf("imapclient: %s: %w", tag, imapcore.ErrCancelled)
}

// timeoutError reports that op exceeded its configured deadline. It
// wraps imapcore.ErrTimeout.
func timeoutError(op string) error {
	return fmt.Errorf("imapclient: %s: %w", op, imapcore.ErrTimeout)
}

// ioError reports a transport failure underlying op. It wraps
// imapcore.ErrIO.
func ioError(op string, err error) error {
	return fmt.Errorf("imapclient: %s: %w: %v", op, imapcore.ErrIO, err)
}
