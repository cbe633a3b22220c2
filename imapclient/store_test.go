package imapclient_test

import (
	"testing"

	"github.com/inboxkit/imapcore"
)

func TestStore(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateSelected)
	defer client.Close()
	defer server.Close()

	seqSet := imapcore.SeqSetNum(1)
	storeFlags := imapcore.StoreFlags{
		Op:    imapcore.StoreFlagsAdd,
		Flags: []imapcore.Flag{imapcore.FlagDeleted},
	}

	msgs, err := client.Store(seqSet, &storeFlags, nil).Collect()
	if err != nil {
		t.Fatalf("Store().Collect() = %v", err)
	} else if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %v, want %v", len(msgs), 1)
	}

	msg := msgs[0]
	if msg.SeqNum != 1 {
		t.Errorf("msg.SeqNum = %v, want %v", msg.SeqNum, 1)
	}

	found := false
	for _, f := range msg.Flags {
		if f == imapcore.FlagDeleted {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("msg.Flags is missing the deleted flag: %v", msg.Flags)
	}
}
