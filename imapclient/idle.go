package imapclient

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/inboxkit/imapcore"
)

const idleRestartInterval = 28 * time.Minute // restart IDLE before the server's inactivity timeout

// Idle sends an IDLE command.
//
// Unlike other commands, this method blocks until the server has
// confirmed the command. On success, the IDLE command is running and no
// other command can be sent.
//
// done is a handle owned by the caller: closing it stops IDLE exactly
// like calling IdleCommand.Close. done must not be nil — the caller must
// declare its own cancellation signal explicitly, even if it's never
// closed. IdleCommand.Close can still be called independently; both
// paths share the same DONE write and don't duplicate it.
//
// This command requires support for IMAP4rev2 or the IDLE extension.
// The IDLE command is automatically restarted to avoid being
// disconnected because of an inactivity timeout.
func (c *Client) Idle(done <-chan struct{}) (*IdleCommand, error) {
	if done == nil {
		return nil, fmt.Errorf("imapclient: Idle: done must not be nil")
	}
	if err := c.requireState("IDLE", imapcore.ConnStateSelected); err != nil {
		return nil, err
	}
	if !c.Caps().Has(imapcore.CapIMAP4rev2) && !c.Caps().Has(imapcore.CapIdle) {
		return nil, unsupportedError("IDLE")
	}

	child, err := c.idle()
	if err != nil {
		return nil, err
	}

	cmd := &IdleCommand{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go cmd.run(c, child, done)
	return cmd, nil
}

// IdleCommand is an IDLE command.
//
// Initially, the IDLE command is running. The server may send
// unilateral data. While IDLE is running, the client cannot send any
// command.
//
// Close must be called to stop the IDLE command.
type IdleCommand struct {
	stopped atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	err       error
	lastChild *idleCommand
}

// run drives the restart loop. done is the caller's external
// cancellation handle; closing it triggers the same stop path as Close.
func (cmd *IdleCommand) run(c *Client, child *idleCommand, done <-chan struct{}) {
	defer close(cmd.done)

	timer := time.NewTimer(idleRestartInterval)
	defer timer.Stop()

	defer func() {
		if child != nil {
			if err := child.Close(); err != nil && cmd.err == nil {
				cmd.err = err
			}
		}
	}()

	for {
		select {
		case <-timer.C:
			timer.Reset(idleRestartInterval)

			if cmd.err = child.Close(); cmd.err != nil {
				return
			}
			if child, cmd.err = c.idle(); cmd.err != nil {
				return
			}
		case <-c.decCh:
			cmd.lastChild = child
			return
		case <-cmd.stop:
			cmd.lastChild = child
			return
		case <-done:
			cmd.lastChild = child
			cmd.stopped.Store(true)
			return
		}
	}
}

// Close stops the IDLE command.
//
// This method blocks until the command stopping IDLE has been written,
// but doesn't wait for the server to respond. Callers can use Wait to
// wait for the server response.
func (cmd *IdleCommand) Close() error {
	if cmd.stopped.Swap(true) {
		return fmt.Errorf("imapclient: IDLE already closed")
	}
	close(cmd.stop)
	<-cmd.done
	return cmd.err
}

// Wait blocks until the IDLE command has completed.
func (cmd *IdleCommand) Wait() error {
	<-cmd.done
	if cmd.err != nil {
		return cmd.err
	}
	return cmd.lastChild.Wait()
}

func (c *Client) idle() (*idleCommand, error) {
	cmd := &idleCommand{}
	contReq := c.registerContReq(cmd)
	cmd.enc = c.beginCommand("IDLE", cmd)
	cmd.enc.flush()

	_, err := contReq.Wait()
	if err != nil {
		cmd.enc.end()
		return nil, err
	}

	return cmd, nil
}

// idleCommand is a single IDLE command, without the restart logic.
type idleCommand struct {
	commandBase
	enc *commandEncoder
}

// Close stops the IDLE command.
//
// This method blocks until the command stopping IDLE has been written,
// but doesn't wait for the server to respond. Callers can use Wait to
// wait for the server response.
func (cmd *idleCommand) Close() error {
	if cmd.err != nil {
		return cmd.err
	}
	if cmd.enc == nil {
		return fmt.Errorf("imapclient: IDLE command closed twice")
	}
	cmd.enc.client.setWriteTimeout(cmdWriteTimeout)
	_, err := cmd.enc.client.bw.WriteString("DONE\r\n")
	if err == nil {
		err = cmd.enc.client.bw.Flush()
	}
	cmd.enc.end()
	cmd.enc = nil
	return err
}

// Wait blocks until the IDLE command has completed.
//
// Wait can only be called after Close.
func (cmd *idleCommand) Wait() error {
	if cmd.enc != nil {
		panic("imapclient: idleCommand.Close must be called before Wait")
	}
	return cmd.wait()
}
