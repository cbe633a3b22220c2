package imapclient_test

import (
	"errors"
	"testing"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/imapclient"
)

func TestIdle(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateSelected)
	defer client.Close()
	defer server.Close()

	idleCmd, err := client.Idle(make(chan struct{}))
	if err != nil {
		t.Fatalf("Idle() = %v", err)
	}
	// TODO: test unilateral updates
	if err := idleCmd.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

// TestIdle_requiresSelected checks that IDLE is rejected before a mailbox
// has been selected instead of being sent to the server.
func TestIdle_requiresSelected(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateAuthenticated)
	defer client.Close()
	defer server.Close()

	_, err := client.Idle(make(chan struct{}))
	if !errors.Is(err, imapcore.ErrInvalidState) {
		t.Errorf("Idle() before SELECT = %v, want ErrInvalidState", err)
	}
}

// TestTryBeginCommand_busyDuringIdle exercises ErrBusy: while IDLE is
// running, TryBeginCommand must fail immediately instead of blocking
// until IDLE is closed.
func TestTryBeginCommand_busyDuringIdle(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateSelected)
	defer client.Close()
	defer server.Close()

	idleCmd, err := client.Idle(make(chan struct{}))
	if err != nil {
		t.Fatalf("Idle() = %v", err)
	}
	defer idleCmd.Close()

	_, err = client.TryBeginCommand("NOOP", &imapclient.Command{})
	if !errors.Is(err, imapclient.ErrBusy) {
		t.Errorf("TryBeginCommand() during IDLE = %v, want ErrBusy", err)
	}
}

func TestIdle_closedConn(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateSelected)
	defer client.Close()
	defer server.Close()

	idleCmd, err := client.Idle(make(chan struct{}))
	if err != nil {
		t.Fatalf("Idle() = %v", err)
	}
	defer idleCmd.Close()

	if err := client.Close(); err != nil {
		t.Fatalf("client.Close() = %v", err)
	}

	if err := idleCmd.Wait(); err == nil {
		t.Errorf("IdleCommand.Wait() = nil, want an error")
	}
}
