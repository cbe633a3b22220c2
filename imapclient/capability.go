package imapclient

import (
	"fmt"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/internal/imapwire"
)

// Capability sends a CAPABILITY command.
func (c *Client) Capability() *CapabilityCommand {
	cmd := &CapabilityCommand{}
	c.beginCommand("CAPABILITY", cmd).end()
	return cmd
}

func (c *Client) handleCapability() error {
	caps, err := readCapabilities(c.dec)
	if err != nil {
		return err
	}
	c.setCaps(caps)
	if cmd := findPendingCmdByType[*CapabilityCommand](c); cmd != nil {
		cmd.caps = caps
	}
	return nil
}

// CapabilityCommand is a CAPABILITY command.
type CapabilityCommand struct {
	commandBase
	caps imapcore.CapSet
}

// Wait blocks until the CAPABILITY command has completed.
func (cmd *CapabilityCommand) Wait() (imapcore.CapSet, error) {
	err := cmd.wait()
	return cmd.caps, err
}

func readCapabilities(dec *imapwire.Decoder) (imapcore.CapSet, error) {
	caps := make(imapcore.CapSet)
	for dec.SP() {
		var name string
		if !dec.ExpectAtom(&name) {
			return caps, fmt.Errorf("in capability-data: %v", dec.Err())
		}
		caps[imapcore.Cap(name)] = struct{}{}
	}
	return caps, nil
}
