package imapclient_test

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/imapclient"
)

var testCases = []struct {
	name                  string
	mailbox               string
	setRightsModification imapcore.RightModification
	setRights             imapcore.RightSet
	expectedRights        imapcore.RightSet
	execStatusCmd         bool
}{
	{
		name:                  "inbox",
		mailbox:               "INBOX",
		setRightsModification: imapcore.RightModificationReplace,
		setRights:             imapcore.RightSet("akxeilprwtscd"),
		expectedRights:        imapcore.RightSet("akxeilprwtscd"),
	},
	{
		name:                  "custom folder",
		mailbox:               "MyFolder",
		setRightsModification: imapcore.RightModificationReplace,
		setRights:             imapcore.RightSet("ailw"),
		expectedRights:        imapcore.RightSet("ailw"),
	},
	{
		name:                  "custom subfolder",
		mailbox:               "MyFolder.Child",
		setRightsModification: imapcore.RightModificationReplace,
		setRights:             imapcore.RightSet("aelrwtd"),
		expectedRights:        imapcore.RightSet("aelrwtd"),
	},
	{
		name:                  "add rights",
		mailbox:               "MyFolder",
		setRightsModification: imapcore.RightModificationAdd,
		setRights:             imapcore.RightSet("rwi"),
		expectedRights:        imapcore.RightSet("ailwr"),
	},
	{
		name:                  "remove rights",
		mailbox:               "MyFolder",
		setRightsModification: imapcore.RightModificationRemove,
		setRights:             imapcore.RightSet("iwc"),
		expectedRights:        imapcore.RightSet("alr"),
	},
	{
		name:                  "empty rights",
		mailbox:               "MyFolder.Child",
		setRightsModification: imapcore.RightModificationReplace,
		setRights:             imapcore.RightSet("a"),
		expectedRights:        imapcore.RightSet("a"),
	},
}

func TestACL(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateAuthenticated)
	defer client.Close()
	defer server.Close()

	if !client.Caps().Has(imapcore.CapACL) {
		t.Skipf("server doesn't support ACL")
	}

	if err := client.Create("MyFolder", nil).Wait(); err != nil {
		t.Fatalf("error creating MyFolder: %v", err)
	}

	if err := client.Create("MyFolder/Child", nil).Wait(); err != nil {
		t.Fatalf("error creating MyFolder/Child: %v", err)
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := client.SetACL(tc.mailbox, testUsername, tc.setRightsModification, tc.setRights).Wait()
			if err != nil {
				t.Errorf("SetACL().Wait() = %v", err)
			}

			getACLData, err := client.GetACL(tc.mailbox).Wait()
			if err != nil {
				t.Errorf("GetACL().Wait() = %v", err)
			}

			if !tc.expectedRights.Equal(getACLData.Rights[testUsername]) {
				t.Errorf("GETACL returned wrong rights; want %s, got %s", tc.expectedRights, getACLData.Rights[testUsername])
			}

			myRightsData, err := client.MyRights(tc.mailbox).Wait()
			if err != nil {
				t.Errorf("MyRights().Wait() = %v", err)
			}

			if !tc.expectedRights.Equal(myRightsData.Rights) {
				t.Errorf("MYRIGHTS returned wrong rights; want %s, got %s", tc.expectedRights, myRightsData.Rights)
			}
		})
	}

	t.Run("nonexistent mailbox", func(t *testing.T) {
		if client.SetACL("BibiMailbox", testUsername, imapcore.RightModificationReplace, nil).Wait() == nil {
			t.Errorf("expected an error")
		}
	})
}

// newACLServer is a minimal net.Pipe server covering just enough of the
// ACL extension to exercise DeleteACL and ListRights without requiring a
// full IMAP server that advertises ACL support.
func newACLServer() (net.Conn, func() error) {
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		w := bufio.NewWriter(serverConn)
		r := bufio.NewReader(serverConn)
		writeLine := func(format string, args ...interface{}) {
			fmt.Fprintf(w, format+"\r\n", args...)
			w.Flush()
		}

		writeLine("* OK IMAP4rev1 Service Ready")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			fields := strings.SplitN(line, " ", 3)
			if len(fields) < 2 {
				continue
			}
			tag, cmd := fields[0], strings.ToUpper(fields[1])

			switch cmd {
			case "CAPABILITY":
				writeLine("* CAPABILITY IMAP4rev1 ACL")
				writeLine("%s OK Capability completed.", tag)
			case "LOGIN":
				writeLine("%s OK LOGIN completed.", tag)
			case "DELETEACL":
				writeLine("%s OK DELETEACL completed.", tag)
			case "LISTRIGHTS":
				writeLine("* LISTRIGHTS MyFolder %s la r w i p c d", testUsername)
				writeLine("%s OK LISTRIGHTS completed.", tag)
			case "LOGOUT":
				writeLine("* BYE logging out")
				writeLine("%s OK LOGOUT completed.", tag)
				return
			default:
				writeLine("%s OK %s completed.", tag, cmd)
			}
		}
	}()

	return clientConn, func() error {
		err := serverConn.Close()
		<-done
		return err
	}
}

func TestDeleteACL(t *testing.T) {
	conn, closeServer := newACLServer()
	defer closeServer()

	client := imapclient.New(conn, nil)
	defer client.Close()
	if err := client.Login(testUsername, testPassword).Wait(); err != nil {
		t.Fatalf("Login().Wait() = %v", err)
	}

	if err := client.DeleteACL("MyFolder", testUsername).Wait(); err != nil {
		t.Errorf("DeleteACL().Wait() = %v", err)
	}
}

func TestListRights(t *testing.T) {
	conn, closeServer := newACLServer()
	defer closeServer()

	client := imapclient.New(conn, nil)
	defer client.Close()
	if err := client.Login(testUsername, testPassword).Wait(); err != nil {
		t.Fatalf("Login().Wait() = %v", err)
	}

	data, err := client.ListRights("MyFolder", testUsername).Wait()
	if err != nil {
		t.Fatalf("ListRights().Wait() = %v", err)
	}

	if data.Mailbox != "MyFolder" {
		t.Errorf("Mailbox = %q, want %q", data.Mailbox, "MyFolder")
	}
	if data.Identifier != testUsername {
		t.Errorf("Identifier = %q, want %q", data.Identifier, testUsername)
	}
	if !data.Required.Equal(imapcore.RightSet("la")) {
		t.Errorf("Required = %q, want %q", data.Required, "la")
	}
	wantOptional := []imapcore.RightSet{"r", "w", "i", "p", "c", "d"}
	if len(data.Optional) != len(wantOptional) {
		t.Fatalf("Optional = %v, want %v", data.Optional, wantOptional)
	}
	for i, rs := range wantOptional {
		if !data.Optional[i].Equal(rs) {
			t.Errorf("Optional[%d] = %q, want %q", i, data.Optional[i], rs)
		}
	}
}
