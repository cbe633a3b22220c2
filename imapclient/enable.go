package imapclient

import (
	"fmt"

	"github.com/inboxkit/imapcore"
)

// Enable sends an ENABLE command.
//
// This command requires support for IMAP4rev2 or the ENABLE extension.
func (c *Client) Enable(caps ...imapcore.Cap) *EnableCommand {
	// Enabling an extension can change the IMAP syntax, so only allow
	// known-supported extensions.
	for _, name := range caps {
		switch name {
		case imapcore.CapIMAP4rev2, imapcore.CapUTF8Accept, imapcore.CapMetadata, imapcore.CapMetadataServer:
			// supported, continue
		default:
			done := make(chan error)
			close(done)
			err := fmt.Errorf("imapclient: cannot enable %q: unsupported", name)
			return &EnableCommand{commandBase: commandBase{done: done, err: err}}
		}
	}

	cmd := &EnableCommand{}
	enc := c.beginCommand("ENABLE", cmd)
	for _, c := range caps {
		enc.SP().Atom(string(c))
	}
	enc.end()
	return cmd
}

func (c *Client) handleEnabled() error {
	caps, err := readCapabilities(c.dec)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	for name := range caps {
		c.enabled[name] = struct{}{}
	}
	c.mutex.Unlock()

	if cmd := findPendingCmdByType[*EnableCommand](c); cmd != nil {
		cmd.data.Caps = caps
	}

	return nil
}

// EnableCommand is an ENABLE command.
type EnableCommand struct {
	commandBase
	data EnableData
}

// Wait blocks until the ENABLE command has completed.
func (cmd *EnableCommand) Wait() (*EnableData, error) {
	return &cmd.data, cmd.wait()
}

// EnableData is the data returned by the ENABLE command.
type EnableData struct {
	// Caps holds the capabilities successfully enabled.
	Caps imapcore.CapSet
}
