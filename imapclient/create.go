package imapclient

import (
	"github.com/inboxkit/imapcore"
)

// Create sends a CREATE command to create a new mailbox.
//
// A nil options pointer is equivalent to a zero options value.
func (c *Client) Create(mailbox string, options *imapcore.CreateOptions) *Command {
	cmd := &Command{}
	enc := c.beginCommand("CREATE", cmd)
	enc.SP().Mailbox(mailbox)

	if options != nil && len(options.SpecialUse) > 0 {
		enc.SP().Special('(').Atom("USE").SP().List(len(options.SpecialUse), func(i int) {
			enc.MailboxAttr(options.SpecialUse[i])
		}).Special(')')
	}
	enc.end()
	return cmd
}
