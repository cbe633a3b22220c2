package imapcore

// SelectOptions holds options for the SELECT or EXAMINE command.
type SelectOptions struct {
	ReadOnly  bool
	CondStore bool // requires CONDSTORE
}

// SelectData is the data returned by the SELECT command.
//
// In the older RFC 2060, PermanentFlags, UIDNext and UIDValidity are
// optional.
type SelectData struct {
	// Defined flags in the mailbox
	Flags []Flag
	// Flags that the client can change permanently
	PermanentFlags []Flag
	// Number of messages in this mailbox (the "EXISTS" response)
	NumMessages uint32
	UIDNext     UID
	UIDValidity uint32

	List *ListData // requires IMAP4rev2

	HighestModSeq uint64 // requires CONDSTORE
}
