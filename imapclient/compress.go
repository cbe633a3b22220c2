package imapclient

import (
	"bufio"
	"bytes"
	"compress/flate"
	"io"
)

// Compress sends a COMPRESS command, wrapping the connection in a DEFLATE
// compressor/decompressor.
//
// Unlike other commands, this method blocks until the command has
// completed and the compression layer is active.
//
// This command requires support for the COMPRESS=DEFLATE extension.
func (c *Client) Compress() error {
	upgradeDone := make(chan struct{})
	cmd := &compressCommand{upgradeDone: upgradeDone}
	enc := c.beginCommand("COMPRESS", cmd)
	enc.SP().Atom("DEFLATE")
	enc.flush()
	defer enc.end()

	// Like STARTTLS, the client must not issue further commands until
	// negotiation completes, so the encoder lock stays held for the
	// duration of this call.
	if err := cmd.wait(); err != nil {
		return err
	}

	// The decoder goroutine calls Client.upgradeCompress once the tagged
	// OK has been fully consumed off the plaintext wire.
	<-upgradeDone

	return nil
}

// upgradeCompress wraps the connection's reader and writer with a DEFLATE
// layer once the server has acknowledged COMPRESS. It runs in the decoder
// goroutine, mirroring Client.upgradeStartTLS.
func (c *Client) upgradeCompress(cmd *compressCommand) {
	defer close(cmd.upgradeDone)

	// Drain buffered plaintext data from our bufio.Reader, exactly as
	// Client.upgradeStartTLS does, since anything already buffered
	// precedes the first compressed byte on the wire.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, c.br, int64(c.br.Buffered())); err != nil {
		panic(err) // unreachable
	}
	var plain io.Reader = c.conn
	if buf.Len() > 0 {
		plain = io.MultiReader(&buf, c.conn)
	}

	fr := flate.NewReader(plain)
	fw, _ := flate.NewWriter(c.conn, flate.DefaultCompression)

	rw := c.options.wrapReadWriter(compressReadWriter{Reader: fr, w: fw})
	// Reset (rather than replace) c.br so the long-lived Decoder, which
	// holds a pointer to this exact bufio.Reader, picks up the
	// decompressed stream without being reconstructed.
	c.br.Reset(rw)
	c.bw = bufio.NewWriter(rw)
}

type compressCommand struct {
	commandBase
	upgradeDone chan<- struct{}
}

// compressReadWriter flushes the DEFLATE writer after every Write, since
// the underlying bufio.Writer won't see IMAP line boundaries and a command
// must reach the server without waiting on a later write to flush it.
type compressReadWriter struct {
	io.Reader
	w *flate.Writer
}

func (rw compressReadWriter) Write(p []byte) (int, error) {
	n, err := rw.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, rw.w.Flush()
}
