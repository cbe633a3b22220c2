package imapclient

import (
	"fmt"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/internal/imapwire"
)

// Store sends a STORE command.
//
// Unless StoreFlags.Silent is set, the server will return the updated
// values.
//
// A nil options pointer is equivalent to a zero options value.
func (c *Client) Store(numSet imapcore.NumSet, store *imapcore.StoreFlags, options *imapcore.StoreOptions) *FetchCommand {
	cmd := &FetchCommand{
		numSet: numSet,
		msgs:   make(chan *FetchMessageData, 128),
	}
	enc := c.beginCommand(uidCmdName("STORE", imapwire.NumSetKind(numSet)), cmd)
	enc.SP().NumSet(numSet).SP()

	if options != nil && options.UnchangedSince != 0 {
		enc.Special('(').Atom("UNCHANGEDSINCE").SP().ModSeq(options.UnchangedSince).Special(')').SP()
	}

	switch store.Op {
	case imapcore.StoreFlagsSet:
	case imapcore.StoreFlagsAdd:
		enc.Special('+')
	case imapcore.StoreFlagsDel:
		enc.Special('-')
	default:
		panic(fmt.Errorf("imapclient: unknown store flags operation: %v", store.Op))
	}

	enc.Atom("FLAGS")
	if store.Silent {
		enc.Atom(".SILENT")
	}

	enc.SP().List(len(store.Flags), func(i int) {
		enc.Flag(store.Flags[i])
	})

	enc.end()
	return cmd
}
