package imapclient_test

import (
	"reflect"
	"testing"

	"github.com/inboxkit/imapcore"
)

func TestList(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateAuthenticated)
	defer client.Close()
	defer server.Close()

	options := imapcore.ListOptions{
		ReturnStatus: &imapcore.StatusOptions{
			NumMessages: true,
		},
	}
	mailboxes, err := client.List("", "%", &options).Collect()
	if err != nil {
		t.Fatalf("List() = %v", err)
	}

	if len(mailboxes) != 1 {
		t.Fatalf("List() returned %v mailboxes, want 1", len(mailboxes))
	}
	mbox := mailboxes[0]

	wantNumMessages := uint32(1)
	want := &imapcore.ListData{
		Delim:   '/',
		Mailbox: "INBOX",
		Status: &imapcore.StatusData{
			Mailbox:     "INBOX",
			NumMessages: &wantNumMessages,
		},
	}
	if !reflect.DeepEqual(mbox, want) {
		t.Errorf("got %#v but want %#v", mbox, want)
	}
}
