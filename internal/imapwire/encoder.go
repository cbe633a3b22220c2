package imapwire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/inboxkit/imapcore"
)

// Encoder writes IMAP4rev1 command syntax to the wire. Every method
// returns the Encoder itself so calls can be chained in the style of the
// command builder.
type Encoder struct {
	w    *bufio.Writer
	side ConnSide
	err  error

	// QuotedUTF8 allows raw UTF-8 bytes inside quoted strings instead of
	// forcing a literal, as permitted once IMAP4rev2 or UTF8=ACCEPT is in
	// effect.
	QuotedUTF8 bool
	// LiteralMinus allows non-synchronising literals up to 4096 bytes
	// (RFC 7888) without waiting for a continuation request.
	LiteralMinus bool
	// LiteralPlus allows non-synchronising literals of any size (RFC 7888).
	LiteralPlus bool

	// NewContinuationRequest is called whenever a literal must wait for a
	// "+" continuation from the server. It is nil on server-side encoders.
	NewContinuationRequest func() *ContinuationRequest
}

// NewEncoder creates a new Encoder writing to w.
func NewEncoder(w *bufio.Writer, side ConnSide) *Encoder {
	return &Encoder{w: w, side: side}
}

func (enc *Encoder) writeString(s string) {
	if enc.err != nil {
		return
	}
	if _, err := enc.w.WriteString(s); err != nil {
		enc.err = err
	}
}

func (enc *Encoder) writeByte(b byte) {
	if enc.err != nil {
		return
	}
	if err := enc.w.WriteByte(b); err != nil {
		enc.err = err
	}
}

// Atom writes an atom verbatim. The caller is responsible for ensuring s
// contains only atom-safe characters.
func (enc *Encoder) Atom(s string) *Encoder {
	enc.writeString(s)
	return enc
}

// SP writes a single space.
func (enc *Encoder) SP() *Encoder {
	enc.writeByte(' ')
	return enc
}

// Special writes a single grammar-significant byte, such as '(' or '['.
func (enc *Encoder) Special(ch byte) *Encoder {
	enc.writeByte(ch)
	return enc
}

// CRLF writes the line terminator and returns any write error accumulated
// since the last call, clearing it.
func (enc *Encoder) CRLF() error {
	enc.writeString("\r\n")
	err := enc.err
	enc.err = nil
	return err
}

// Quoted writes s as a quoted string, backslash-escaping '"' and '\\'.
func (enc *Encoder) Quoted(s string) *Encoder {
	enc.writeByte('"')
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == '"' || b == '\\' {
			enc.writeByte('\\')
		}
		enc.writeByte(b)
	}
	enc.writeByte('"')
	return enc
}

// NIL writes the NIL atom.
func (enc *Encoder) NIL() *Encoder {
	return enc.Atom("NIL")
}

// stringKind reports how s should be emitted given what the connection has
// negotiated: as a plain atom, a quoted string, or (for 8-bit/control
// content without QuotedUTF8) a literal.
func (enc *Encoder) stringKind(s string) (atomSafe, quotedSafe bool) {
	atomSafe = s != ""
	quotedSafe = true
	for i := 0; i < len(s); i++ {
		b := s[i]
		if !IsAtomChar(b) {
			atomSafe = false
		}
		if isCtl(b) {
			quotedSafe = false
		}
		if b >= 0x80 && !enc.QuotedUTF8 {
			quotedSafe = false
		}
	}
	return atomSafe, quotedSafe
}

// String writes s as an atom, quoted string, or literal, whichever is
// cheapest and safe given the negotiated capabilities.
func (enc *Encoder) String(s string) *Encoder {
	atomSafe, quotedSafe := enc.stringKind(s)
	switch {
	case atomSafe:
		return enc.Atom(s)
	case quotedSafe:
		return enc.Quoted(s)
	default:
		w := enc.Literal(int64(len(s)), nil)
		io.WriteString(w, s)
		w.Close()
		return enc
	}
}

// Mailbox writes a mailbox name, encoding it as modified UTF-7 unless
// QuotedUTF8 (IMAP4rev2 or UTF8=ACCEPT) permits raw UTF-8.
func (enc *Encoder) Mailbox(name string) *Encoder {
	if strings.EqualFold(name, "INBOX") {
		return enc.Atom("INBOX")
	}
	if !enc.QuotedUTF8 {
		name = encodeMailboxUTF7(name)
	}
	return enc.String(name)
}

// Number writes an unsigned 32-bit number.
func (enc *Encoder) Number(num uint32) *Encoder {
	return enc.Atom(strconv.FormatUint(uint64(num), 10))
}

// Number64 writes a 63-bit number.
func (enc *Encoder) Number64(num int64) *Encoder {
	return enc.Atom(strconv.FormatInt(num, 10))
}

// ModSeq writes a mod-sequence value.
func (enc *Encoder) ModSeq(modSeq uint64) *Encoder {
	return enc.Atom(strconv.FormatUint(modSeq, 10))
}

// Flag writes a message flag.
func (enc *Encoder) Flag(flag imapcore.Flag) *Encoder {
	return enc.Atom(string(flag))
}

// MailboxAttr writes a mailbox attribute.
func (enc *Encoder) MailboxAttr(attr imapcore.MailboxAttr) *Encoder {
	return enc.Atom(string(attr))
}

// NumSet writes a sequence-set, or "$" for the SEARCHRES marker.
func (enc *Encoder) NumSet(numSet imapcore.NumSet) *Encoder {
	return enc.Atom(numSet.String())
}

// NumSetKind reports whether numSet is a SeqSet or UIDSet, so that callers
// sharing code between the two forms (FETCH/SEARCH/STORE/COPY/MOVE) know
// which command name variant and decode path to use.
func NumSetKind(numSet imapcore.NumSet) NumKind {
	if _, ok := numSet.(imapcore.UIDSet); ok {
		return NumKindUID
	}
	return NumKindSeq
}

// List writes a parenthesised list of n items, calling f(i) to write item i.
func (enc *Encoder) List(n int, f func(i int)) *Encoder {
	enc.writeByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			enc.writeByte(' ')
		}
		f(i)
	}
	enc.writeByte(')')
	return enc
}

// ListEncoder writes a parenthesised list whose item count is not known up
// front; each Item call writes the separating space as needed.
type ListEncoder struct {
	enc   *Encoder
	first bool
}

// BeginList opens a parenthesised list of unknown length.
func (enc *Encoder) BeginList() *ListEncoder {
	enc.writeByte('(')
	return &ListEncoder{enc: enc, first: true}
}

// Item returns the Encoder to write the next list item, inserting the
// separating space if this is not the first item.
func (le *ListEncoder) Item() *Encoder {
	if !le.first {
		le.enc.writeByte(' ')
	}
	le.first = false
	return le.enc
}

// End closes the list.
func (le *ListEncoder) End() *Encoder {
	le.enc.writeByte(')')
	return le.enc
}

// Literal returns a writer for size bytes of literal data, writing the
// appropriate "{N}", "{N+}", or "{N-}" prefix first. If contReq is non-nil
// the literal requires a synchronising continuation request and Write will
// not be called by the caller until it has been satisfied; if contReq is
// nil the literal is written inline (LITERAL+ or LITERAL- eligible).
func (enc *Encoder) Literal(size int64, contReq *ContinuationRequest) io.WriteCloser {
	suffix := ""
	switch {
	case contReq == nil && enc.LiteralPlus:
		suffix = "+"
	case contReq == nil && enc.LiteralMinus:
		suffix = "-"
	}

	enc.writeString("{" + strconv.FormatInt(size, 10) + suffix + "}\r\n")

	if contReq != nil {
		if enc.err == nil {
			if err := enc.w.Flush(); err != nil {
				enc.err = err
			}
		}
		if _, err := contReq.Wait(); err != nil {
			enc.err = err
		}
	}

	return &literalWriter{enc: enc, remaining: size}
}

type literalWriter struct {
	enc       *Encoder
	remaining int64
}

func (lw *literalWriter) Write(b []byte) (int, error) {
	if lw.enc.err != nil {
		return 0, lw.enc.err
	}
	if int64(len(b)) > lw.remaining {
		return 0, fmt.Errorf("imapwire: literal write exceeds declared size")
	}
	n, err := lw.enc.w.Write(b)
	lw.remaining -= int64(n)
	if err != nil {
		lw.enc.err = err
	}
	return n, err
}

func (lw *literalWriter) Close() error {
	return lw.enc.err
}

// ContinuationRequest represents a pending "+" the engine is waiting on: a
// literal prefix awaiting the synchronising continuation, a SASL challenge,
// or an IDLE acknowledgement.
type ContinuationRequest struct {
	ch   chan struct{}
	text string
	err  error
}

// NewContinuationRequest creates a pending continuation request. The
// caller must arrange for Done or Cancel to be called exactly once.
func NewContinuationRequest() *ContinuationRequest {
	return &ContinuationRequest{ch: make(chan struct{})}
}

// Done resolves the continuation request successfully with the server's
// challenge/ready text (may be empty).
func (cr *ContinuationRequest) Done(text string) {
	cr.text = text
	close(cr.ch)
}

// Cancel resolves the continuation request with an error, e.g. because the
// connection was closed before the server replied.
func (cr *ContinuationRequest) Cancel(err error) {
	cr.err = err
	close(cr.ch)
}

// Wait blocks until the continuation request is resolved, returning the
// server's text or the cancellation error.
func (cr *ContinuationRequest) Wait() (string, error) {
	<-cr.ch
	return cr.text, cr.err
}
