package imapclient

import (
	"fmt"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/internal"
	"github.com/inboxkit/imapcore/internal/imapwire"
)

// MyRights sends a MYRIGHTS command.
//
// This command requires support for the ACL extension.
func (c *Client) MyRights(mailbox string) *MyRightsCommand {
	cmd := &MyRightsCommand{}
	enc := c.beginCommand("MYRIGHTS", cmd)
	enc.SP().Mailbox(mailbox)
	enc.end()
	return cmd
}

// SetACL sends a SETACL command.
//
// This command requires support for the ACL extension.
func (c *Client) SetACL(mailbox string, ri imapcore.RightsIdentifier, rm imapcore.RightModification, rs imapcore.RightSet) *SetACLCommand {
	cmd := &SetACLCommand{}
	enc := c.beginCommand("SETACL", cmd)
	enc.SP().Mailbox(mailbox).SP().String(string(ri)).SP()
	enc.String(internal.FormatRights(rm, rs))
	enc.end()
	return cmd
}

// SetACLCommand is a SETACL command.
type SetACLCommand struct {
	commandBase
}

// Wait blocks until the SETACL command has completed.
func (cmd *SetACLCommand) Wait() error {
	return cmd.wait()
}

// DeleteACL sends a DELETEACL command, removing any ACL entry for the
// given identifier on mailbox.
//
// This command requires support for the ACL extension.
func (c *Client) DeleteACL(mailbox string, ri imapcore.RightsIdentifier) *DeleteACLCommand {
	cmd := &DeleteACLCommand{}
	enc := c.beginCommand("DELETEACL", cmd)
	enc.SP().Mailbox(mailbox).SP().String(string(ri))
	enc.end()
	return cmd
}

// DeleteACLCommand is a DELETEACL command.
type DeleteACLCommand struct {
	commandBase
}

// Wait blocks until the DELETEACL command has completed.
func (cmd *DeleteACLCommand) Wait() error {
	return cmd.wait()
}

// ListRights sends a LISTRIGHTS command, querying which rights can be
// granted to identifier on mailbox.
//
// This command requires support for the ACL extension.
func (c *Client) ListRights(mailbox string, ri imapcore.RightsIdentifier) *ListRightsCommand {
	cmd := &ListRightsCommand{}
	enc := c.beginCommand("LISTRIGHTS", cmd)
	enc.SP().Mailbox(mailbox).SP().String(string(ri))
	enc.end()
	return cmd
}

// ListRightsCommand is a LISTRIGHTS command.
type ListRightsCommand struct {
	commandBase
	data ListRightsData
}

// Wait blocks until the LISTRIGHTS command has completed.
func (cmd *ListRightsCommand) Wait() (*ListRightsData, error) {
	return &cmd.data, cmd.wait()
}

// ListRightsData is the data returned by the LISTRIGHTS command.
type ListRightsData struct {
	Mailbox    string
	Identifier imapcore.RightsIdentifier
	// Required holds the rights always granted to the identifier.
	Required imapcore.RightSet
	// Optional holds the rights sets that may be granted independently.
	Optional []imapcore.RightSet
}

func (c *Client) handleListRights() error {
	data, err := readListRights(c.dec)
	if err != nil {
		return fmt.Errorf("in listrights response: %v", err)
	}
	if cmd := findPendingCmdByType[*ListRightsCommand](c); cmd != nil {
		cmd.data = *data
	}
	return nil
}

func readListRights(dec *imapwire.Decoder) (*ListRightsData, error) {
	var (
		riStr string
		data  ListRightsData
	)
	if !dec.ExpectMailbox(&data.Mailbox) || !dec.ExpectSP() || !dec.ExpectAString(&riStr) || !dec.ExpectSP() {
		return nil, dec.Err()
	}
	data.Identifier = imapcore.RightsIdentifier(riStr)

	var required string
	if !dec.ExpectAString(&required) {
		return nil, dec.Err()
	}
	data.Required = imapcore.RightSet(required)

	for dec.SP() {
		var rs string
		if !dec.ExpectAString(&rs) {
			return nil, dec.Err()
		}
		data.Optional = append(data.Optional, imapcore.RightSet(rs))
	}

	return &data, nil
}

// GetACL sends a GETACL command.
//
// This command requires support for the ACL extension.
func (c *Client) GetACL(mailbox string) *GetACLCommand {
	cmd := &GetACLCommand{}
	enc := c.beginCommand("GETACL", cmd)
	enc.SP().Mailbox(mailbox)
	enc.end()
	return cmd
}

// GetACLCommand is a GETACL command.
type GetACLCommand struct {
	commandBase
	data GetACLData
}

// Wait blocks until the GETACL command has completed.
func (cmd *GetACLCommand) Wait() (*GetACLData, error) {
	return &cmd.data, cmd.wait()
}

func (c *Client) handleMyRights() error {
	data, err := readMyRights(c.dec)
	if err != nil {
		return fmt.Errorf("in myrights response: %v", err)
	}
	if cmd := findPendingCmdByType[*MyRightsCommand](c); cmd != nil {
		cmd.data = *data
	}
	return nil
}

func (c *Client) handleGetACL() error {
	data, err := readGetACL(c.dec)
	if err != nil {
		return fmt.Errorf("in getacl response: %v", err)
	}
	if cmd := findPendingCmdByType[*GetACLCommand](c); cmd != nil {
		cmd.data = *data
	}
	return nil
}

// MyRightsCommand is a MYRIGHTS command.
type MyRightsCommand struct {
	commandBase
	data MyRightsData
}

// Wait blocks until the MYRIGHTS command has completed.
func (cmd *MyRightsCommand) Wait() (*MyRightsData, error) {
	return &cmd.data, cmd.wait()
}

// MyRightsData is the data returned by the MYRIGHTS command.
type MyRightsData struct {
	Mailbox string
	Rights  imapcore.RightSet
}

func readMyRights(dec *imapwire.Decoder) (*MyRightsData, error) {
	var (
		rights string
		data   MyRightsData
	)
	if !dec.ExpectMailbox(&data.Mailbox) || !dec.ExpectSP() || !dec.ExpectAString(&rights) {
		return nil, dec.Err()
	}

	data.Rights = imapcore.RightSet(rights)
	return &data, nil
}

// GetACLData is the data returned by the GETACL command.
type GetACLData struct {
	Mailbox string
	Rights  map[imapcore.RightsIdentifier]imapcore.RightSet
}

func readGetACL(dec *imapwire.Decoder) (*GetACLData, error) {
	data := &GetACLData{Rights: make(map[imapcore.RightsIdentifier]imapcore.RightSet)}

	if !dec.ExpectMailbox(&data.Mailbox) {
		return nil, dec.Err()
	}

	for dec.SP() {
		var rsStr, riStr string
		if !dec.ExpectAString(&riStr) || !dec.ExpectSP() || !dec.ExpectAString(&rsStr) {
			return nil, dec.Err()
		}

		data.Rights[imapcore.RightsIdentifier(riStr)] = imapcore.RightSet(rsStr)
	}

	return data, nil
}
