package imapclient

import (
	"io"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/internal"
)

// Append sends an APPEND command.
//
// The caller must call AppendCommand.Close.
//
// options is optional.
func (c *Client) Append(mailbox string, size int64, options *imapcore.AppendOptions) *AppendCommand {
	cmd := &AppendCommand{}
	cmd.enc = c.beginCommand("APPEND", cmd)
	cmd.enc.SP().Mailbox(mailbox).SP()
	if options != nil && len(options.Flags) > 0 {
		cmd.enc.List(len(options.Flags), func(i int) {
			cmd.enc.Flag(options.Flags[i])
		}).SP()
	}
	if options != nil && !options.Time.IsZero() {
		cmd.enc.String(options.Time.Format(internal.DateTimeLayout)).SP()
	}
	// TODO: literal8 for BINARY
	// TODO: UTF8 data ext for UTF8=ACCEPT, with literal8
	cmd.wc = cmd.enc.Literal(size)
	return cmd
}

// AppendCommand is an APPEND command.
//
// Callers must write the message contents, then call Close.
type AppendCommand struct {
	commandBase
	enc  *commandEncoder
	wc   io.WriteCloser
	data imapcore.AppendData
}

// Write writes bytes to the command.
func (cmd *AppendCommand) Write(b []byte) (int, error) {
	return cmd.wc.Write(b)
}

// Close closes the command, waiting for the server response.
func (cmd *AppendCommand) Close() error {
	err := cmd.wc.Close()
	if cmd.enc != nil {
		cmd.enc.end()
		cmd.enc = nil
	}
	return err
}

// Wait blocks until the APPEND command has completed and returns its data.
func (cmd *AppendCommand) Wait() (*imapcore.AppendData, error) {
	return &cmd.data, cmd.wait()
}
