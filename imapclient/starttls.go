package imapclient

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"io"
	"net"

	"github.com/inboxkit/imapcore"
)

// startTLS sends a STARTTLS command.
//
// Unlike other commands, this method blocks until the command has
// completed.
func (c *Client) startTLS(config *tls.Config) error {
	upgradeDone := make(chan struct{})
	cmd := &startTLSCommand{
		tlsConfig:   config,
		upgradeDone: upgradeDone,
	}
	enc := c.beginCommand("STARTTLS", cmd)
	enc.flush()
	defer enc.end()

	// Once the client issues a STARTTLS command, it must not issue further
	// commands until the server responds and TLS negotiation completes.
	if err := cmd.wait(); err != nil {
		return err
	}

	// The decoder goroutine will call Client.upgradeStartTLS.
	<-upgradeDone

	if err := cmd.tlsConn.Handshake(); err != nil {
		return err
	}

	// STARTTLS and LOGINDISABLED can't meaningfully survive a plaintext
	// upgrade; the full capability set is then replaced by a fresh
	// CAPABILITY query (see readResponseTagged), but narrow it here first so
	// it can't reappear out of thin air in the meantime.
	c.disableCaps(imapcore.CapStartTLS, imapcore.CapLoginDisabled)

	return nil
}

// upgradeStartTLS completes the STARTTLS upgrade once the server has sent
// an OK response. It runs in the decoder goroutine.
func (c *Client) upgradeStartTLS(startTLS *startTLSCommand) {
	defer close(startTLS.upgradeDone)

	// Drain buffered data from our bufio.Reader.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, c.br, int64(c.br.Buffered())); err != nil {
		panic(err) // unreachable
	}

	var cleartextConn net.Conn
	if buf.Len() > 0 {
		r := io.MultiReader(&buf, c.conn)
		cleartextConn = startTLSConn{c.conn, r}
	} else {
		cleartextConn = c.conn
	}

	tlsConn := tls.Client(cleartextConn, startTLS.tlsConfig)
	rw := c.options.wrapReadWriter(tlsConn)

	c.br.Reset(rw)
	// Unfortunately we can't reuse the bufio.Writer here, since it races
	// with Client.StartTLS.
	c.bw = bufio.NewWriter(rw)

	startTLS.tlsConn = tlsConn
}

type startTLSCommand struct {
	commandBase
	tlsConfig *tls.Config

	upgradeDone chan<- struct{}
	tlsConn     *tls.Conn
}

type startTLSConn struct {
	net.Conn
	r io.Reader
}

func (conn startTLSConn) Read(b []byte) (int, error) {
	return conn.r.Read(b)
}
