package imapclient

import (
	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/internal/imapwire"
)

// Move sends a MOVE command.
//
// If the server doesn't support IMAP4rev2 or the MOVE extension, a fallback
// using COPY + STORE + EXPUNGE is used instead.
func (c *Client) Move(numSet imapcore.NumSet, mailbox string) *MoveCommand {
	// If the server doesn't support MOVE, fall back to [UID] COPY,
	// [UID] STORE +FLAGS.SILENT \Deleted and [UID] EXPUNGE.
	cmdName := "MOVE"
	if !c.Caps().Has(imapcore.CapMove) {
		cmdName = "COPY"
	}

	cmd := &MoveCommand{}
	enc := c.beginCommand(uidCmdName(cmdName, imapwire.NumSetKind(numSet)), cmd)
	enc.SP().NumSet(numSet).SP().Mailbox(mailbox)
	enc.end()

	if cmdName == "COPY" {
		cmd.store = c.Store(numSet, &imapcore.StoreFlags{
			Op:     imapcore.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapcore.Flag{imapcore.FlagDeleted},
		}, nil)
		if uidSet, ok := numSet.(imapcore.UIDSet); ok && c.Caps().Has(imapcore.CapUIDPlus) {
			cmd.expunge = c.UIDExpunge(uidSet)
		} else {
			cmd.expunge = c.Expunge()
		}
	}

	return cmd
}

// MoveCommand is a MOVE command.
type MoveCommand struct {
	commandBase
	data MoveData

	// fallback commands
	store   *FetchCommand
	expunge *ExpungeCommand
}

// Wait blocks until the MOVE command has completed and returns its data.
func (cmd *MoveCommand) Wait() (*MoveData, error) {
	if err := cmd.wait(); err != nil {
		return nil, err
	}
	if cmd.store != nil {
		if err := cmd.store.Close(); err != nil {
			return nil, err
		}
	}
	if cmd.expunge != nil {
		if err := cmd.expunge.Close(); err != nil {
			return nil, err
		}
	}
	return &cmd.data, nil
}

// MoveData holds the data returned by a MOVE command.
type MoveData struct {
	// requires UIDPLUS or IMAP4rev2
	UIDValidity uint32
	SourceUIDs  imapcore.NumSet
	DestUIDs    imapcore.NumSet
}
