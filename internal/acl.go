package internal

import (
	"github.com/inboxkit/imapcore"
)

// FormatRights formats an ACL right modification as the wire form used by
// SETACL, e.g. "+rw" or "-lrs".
func FormatRights(rm imapcore.RightModification, rs imapcore.RightSet) string {
	s := ""
	if rm != imapcore.RightModificationReplace {
		s = string(rm)
	}
	return s + string(rs)
}
