package imapclient_test

import (
	"testing"

	"github.com/inboxkit/imapcore"
)

func TestExpunge(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateSelected)
	defer client.Close()
	defer server.Close()

	seqNums, err := client.Expunge().Collect()
	if err != nil {
		t.Fatalf("Expunge() = %v", err)
	} else if len(seqNums) != 0 {
		t.Errorf("Expunge().Collect() = %v, want []", seqNums)
	}

	seqSet := imapcore.SeqSetNum(1)
	storeFlags := imapcore.StoreFlags{
		Op:    imapcore.StoreFlagsAdd,
		Flags: []imapcore.Flag{imapcore.FlagDeleted},
	}
	if err := client.Store(seqSet, &storeFlags, nil).Close(); err != nil {
		t.Fatalf("Store() = %v", err)
	}

	seqNums, err = client.Expunge().Collect()
	if err != nil {
		t.Fatalf("Expunge() = %v", err)
	} else if len(seqNums) != 1 || seqNums[0] != 1 {
		t.Errorf("Expunge().Collect() = %v, want [1]", seqNums)
	}
}
