package imapwire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/internal/imapnum"
)

// NumKind distinguishes a sequence-set of message sequence numbers from one
// of UIDs. Several commands (FETCH, SEARCH, STORE, COPY, MOVE) are shared
// between the two forms and are prefixed with "UID" for the latter.
type NumKind int

const (
	NumKindSeq NumKind = iota
	NumKindUID
)

// Decoder reads tokens off the wire following IMAP4rev1 grammar (RFC 3501
// section 9). A Decoder is only safe for use from a single goroutine: the
// client serialises all reads through the engine's command loop.
type Decoder struct {
	r    *bufio.Reader
	side ConnSide
	err  error

	literalReader *LiteralReader
}

// NewDecoder creates a new Decoder reading from r.
func NewDecoder(r *bufio.Reader, side ConnSide) *Decoder {
	return &Decoder{r: r, side: side}
}

// Err returns the last decoding error encountered, if any.
func (dec *Decoder) Err() error {
	return dec.err
}

func (dec *Decoder) fail(err error) bool {
	if dec.err == nil {
		dec.err = err
	}
	return false
}

func (dec *Decoder) failf(format string, args ...interface{}) bool {
	return dec.fail(fmt.Errorf("imapwire: "+format, args...))
}

// EOF returns true if the underlying connection has been closed.
func (dec *Decoder) EOF() bool {
	_, err := dec.r.Peek(1)
	return err == io.EOF
}

func (dec *Decoder) peekByte() (byte, bool) {
	b, err := dec.r.Peek(1)
	if err != nil {
		dec.fail(err)
		return 0, false
	}
	return b[0], true
}

func (dec *Decoder) readByte() (byte, bool) {
	b, err := dec.r.ReadByte()
	if err != nil {
		dec.fail(err)
		return 0, false
	}
	return b, true
}

// Expect fails the decode with name as the description if ok is false. It
// always returns ok, so callers can chain it: `if !dec.Expect(cond, "x")`.
func (dec *Decoder) Expect(ok bool, name string) bool {
	if !ok && dec.err == nil {
		dec.failf("expected %v", name)
	}
	return ok
}

// Func consumes bytes for which valid returns true into *s. It stops at the
// first byte for which valid is false, or at EOF/error. It never fails on
// its own; pair it with Expect/Atom-style checks.
func (dec *Decoder) Func(s *string, valid func(byte) bool) bool {
	var sb strings.Builder
	for {
		b, ok := dec.peekByte()
		if !ok {
			break
		}
		if !valid(b) {
			break
		}
		dec.r.Discard(1)
		sb.WriteByte(b)
	}
	*s = sb.String()
	return sb.Len() > 0
}

// Special consumes the single byte ch if present.
func (dec *Decoder) Special(ch byte) bool {
	b, ok := dec.peekByte()
	if !ok || b != ch {
		return false
	}
	dec.r.Discard(1)
	return true
}

// ExpectSpecial requires the single byte ch to be present.
func (dec *Decoder) ExpectSpecial(ch byte) bool {
	return dec.Expect(dec.Special(ch), "'"+string(ch)+"'")
}

// SP consumes a single space.
func (dec *Decoder) SP() bool {
	return dec.Special(' ')
}

// ExpectSP requires a single space.
func (dec *Decoder) ExpectSP() bool {
	return dec.Expect(dec.SP(), "space")
}

// CRLF consumes a CRLF or bare LF line ending.
func (dec *Decoder) CRLF() bool {
	b, ok := dec.peekByte()
	if !ok {
		return false
	}
	if b == '\r' {
		dec.r.Discard(1)
		b, ok = dec.readByte()
		if !ok {
			return false
		}
		return b == '\n'
	}
	if b == '\n' {
		dec.r.Discard(1)
		return true
	}
	return false
}

// ExpectCRLF requires a line ending.
func (dec *Decoder) ExpectCRLF() bool {
	return dec.Expect(dec.CRLF(), "CRLF")
}

// Atom consumes an atom into *s.
func (dec *Decoder) Atom(s *string) bool {
	return dec.Func(s, IsAtomChar)
}

// ExpectAtom requires an atom.
func (dec *Decoder) ExpectAtom(s *string) bool {
	return dec.Expect(dec.Atom(s), "atom")
}

// Quoted consumes a quoted string into *s.
func (dec *Decoder) Quoted(s *string) bool {
	if !dec.Special('"') {
		return false
	}

	var sb strings.Builder
	for {
		b, ok := dec.readByte()
		if !ok {
			return false
		}
		if b == '"' {
			break
		}
		if b == '\\' {
			b, ok = dec.readByte()
			if !ok {
				return false
			}
		}
		sb.WriteByte(b)
	}
	*s = sb.String()
	return true
}

// ExpectQuoted requires a quoted string.
func (dec *Decoder) ExpectQuoted(s *string) bool {
	return dec.Expect(dec.Quoted(s), "quoted string")
}

// Literal attempts to consume a literal prefix "{N}" or "{N+}" and, if
// present, returns a LiteralReader for the N following bytes. ok is false
// if no literal prefix was present (not an error).
func (dec *Decoder) Literal() (lit *LiteralReader, nonSync bool, ok bool) {
	if !dec.Special('{') {
		return nil, false, false
	}

	var numStr string
	if !dec.Func(&numStr, func(b byte) bool { return b >= '0' && b <= '9' }) {
		dec.failf("expected literal length")
		return nil, false, false
	}
	size, err := strconv.ParseInt(numStr, 10, 63)
	if err != nil {
		dec.fail(err)
		return nil, false, false
	}

	if dec.Special('+') {
		nonSync = true
	} else if dec.Special('-') {
		// LITERAL- non-synchronising literal, size already capped by caller.
		nonSync = true
	}

	if !dec.ExpectSpecial('}') || !dec.ExpectCRLF() {
		return nil, false, false
	}

	lit = &LiteralReader{r: io.LimitReader(dec.r, size), size: size}
	dec.literalReader = lit
	return lit, nonSync, true
}

func (dec *Decoder) discardLiteral() {
	if dec.literalReader == nil {
		return
	}
	io.Copy(io.Discard, dec.literalReader)
	dec.literalReader = nil
}

// String consumes a quoted string or literal into *s.
func (dec *Decoder) String(s *string) bool {
	if dec.Quoted(s) {
		return true
	}

	lit, _, ok := dec.Literal()
	if !ok {
		return false
	}
	b, err := io.ReadAll(lit)
	dec.literalReader = nil
	if err != nil {
		dec.fail(err)
		return false
	}
	*s = string(b)
	return true
}

// ExpectString requires a quoted string or literal.
func (dec *Decoder) ExpectString(s *string) bool {
	return dec.Expect(dec.String(s), "string")
}

// NString consumes an nstring: either NIL or a string, into *s. ok is false
// only on a decode error; a NIL value yields s == "" with ok == true and
// isNil == true.
func (dec *Decoder) NString(s *string) (isNil bool, ok bool) {
	if dec.nilAhead() {
		dec.discardNIL()
		return true, true
	}
	return false, dec.String(s)
}

// ExpectNString requires an nstring.
func (dec *Decoder) ExpectNString(s *string) bool {
	_, ok := dec.NString(s)
	return dec.Expect(ok, "nstring")
}

func (dec *Decoder) nilAhead() bool {
	b, ok := dec.r.Peek(3)
	if ok != nil {
		return false
	}
	return (b[0] == 'N' || b[0] == 'n') && (b[1] == 'I' || b[1] == 'i') && (b[2] == 'L' || b[2] == 'l')
}

func (dec *Decoder) discardNIL() {
	dec.r.Discard(3)
}

// ExpectNIL requires the literal atom NIL.
func (dec *Decoder) ExpectNIL() bool {
	var s string
	if !dec.ExpectAtom(&s) {
		return false
	}
	return dec.Expect(strings.EqualFold(s, "NIL"), "NIL")
}

// AString consumes an astring (atom or string) into *s.
func (dec *Decoder) AString(s *string) bool {
	if dec.String(s) {
		return true
	}
	return dec.Atom(s)
}

// ExpectAString requires an astring.
func (dec *Decoder) ExpectAString(s *string) bool {
	return dec.Expect(dec.AString(s), "astring")
}

// Text consumes the remainder of the line (up to, but not including, CRLF)
// into *s.
func (dec *Decoder) Text(s *string) bool {
	var sb strings.Builder
	for {
		b, ok := dec.peekByte()
		if !ok {
			return false
		}
		if b == '\r' || b == '\n' {
			break
		}
		dec.r.Discard(1)
		sb.WriteByte(b)
	}
	*s = sb.String()
	return true
}

// ExpectText requires line text. Like Text it stops before the CRLF,
// which the caller consumes separately.
func (dec *Decoder) ExpectText(s *string) bool {
	return dec.Expect(dec.Text(s), "text")
}

// Number consumes an unsigned 32-bit number into *num.
func (dec *Decoder) Number(num *uint32) bool {
	var s string
	if !dec.Func(&s, func(b byte) bool { return b >= '0' && b <= '9' }) {
		return false
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		dec.fail(err)
		return false
	}
	*num = uint32(n)
	return true
}

// ExpectNumber requires a number.
func (dec *Decoder) ExpectNumber(num *uint32) bool {
	return dec.Expect(dec.Number(num), "number")
}

// Number64 consumes an unsigned 63-bit number into *num.
func (dec *Decoder) Number64(num *int64) bool {
	var s string
	if !dec.Func(&s, func(b byte) bool { return b >= '0' && b <= '9' }) {
		return false
	}
	n, err := strconv.ParseInt(s, 10, 63)
	if err != nil {
		dec.fail(err)
		return false
	}
	*num = n
	return true
}

// ExpectNumber64 requires a 63-bit number.
func (dec *Decoder) ExpectNumber64(num *int64) bool {
	return dec.Expect(dec.Number64(num), "number64")
}

// ExpectModSeq requires a mod-sequence value (an unsigned 63-bit number).
func (dec *Decoder) ExpectModSeq(modSeq *uint64) bool {
	var n int64
	if !dec.ExpectNumber64(&n) {
		return false
	}
	*modSeq = uint64(n)
	return true
}

// ExpectUID requires a UID (nz-number).
func (dec *Decoder) ExpectUID(uid *imapcore.UID) bool {
	var num uint32
	if !dec.ExpectNumber(&num) {
		return false
	}
	*uid = imapcore.UID(num)
	return true
}

// ExpectBodyFldOctets requires a body-fld-octets production (a plain
// number).
func (dec *Decoder) ExpectBodyFldOctets(num *uint32) bool {
	return dec.ExpectNumber(num)
}

// ExpectNumSet requires a sequence-set, interpreting it as a SeqSet or
// UIDSet depending on kind.
func (dec *Decoder) ExpectNumSet(kind NumKind, numSet *imapcore.NumSet) bool {
	if dec.Special('$') {
		*numSet = imapcore.SearchRes()
		return true
	}

	var s string
	if !dec.Func(&s, func(b byte) bool {
		return (b >= '0' && b <= '9') || b == ':' || b == ',' || b == '*'
	}) {
		return dec.failf("expected sequence set")
	}

	set, err := imapnum.Parse(s)
	if err != nil {
		return dec.fail(err)
	}

	switch kind {
	case NumKindUID:
		uidSet := make(imapcore.UIDSet, len(set))
		for i, r := range set {
			uidSet[i] = imapcore.UIDRange{Start: imapcore.UID(r.Start), Stop: imapcore.UID(r.Stop)}
		}
		*numSet = uidSet
	default:
		seqSet := make(imapcore.SeqSet, len(set))
		for i, r := range set {
			seqSet[i] = imapcore.SeqRange{Start: r.Start, Stop: r.Stop}
		}
		*numSet = seqSet
	}
	return true
}

// ExpectUIDSet requires a sequence-set and decodes it directly as a UIDSet.
func (dec *Decoder) ExpectUIDSet(uidSet *imapcore.UIDSet) bool {
	var numSet imapcore.NumSet
	if !dec.ExpectNumSet(NumKindUID, &numSet) {
		return false
	}
	s, ok := numSet.(imapcore.UIDSet)
	if !ok {
		return dec.failf("expected UID set")
	}
	*uidSet = s
	return true
}

// List consumes a parenthesised list, calling f once per element. List
// itself consumes the space separating elements, so f reads only the
// element. isList is false if no '(' was seen.
func (dec *Decoder) List(f func() error) (isList bool, err error) {
	if !dec.Special('(') {
		return false, nil
	}

	first := true
	for {
		b, ok := dec.peekByte()
		if !ok {
			return true, dec.Err()
		}
		if b == ')' {
			dec.r.Discard(1)
			return true, nil
		}
		if !first {
			if !dec.ExpectSP() {
				return true, dec.Err()
			}
		}
		first = false
		if err := f(); err != nil {
			return true, err
		}
	}
}

// ExpectList requires a parenthesised list.
func (dec *Decoder) ExpectList(f func() error) error {
	isList, err := dec.List(f)
	if err != nil {
		return err
	}
	if !isList {
		dec.failf("expected list")
		return dec.Err()
	}
	return nil
}

// ExpectNList requires either NIL or a parenthesised list.
func (dec *Decoder) ExpectNList(f func() error) error {
	if dec.nilAhead() {
		dec.discardNIL()
		return nil
	}
	return dec.ExpectList(f)
}

// ExpectMailbox requires a mailbox name and decodes it from modified UTF-7
// to UTF-8. It does not check whether UTF8=ACCEPT is in effect: every name
// is run through the UTF-7 decoder, and a name that is not valid modified
// UTF-7 is returned as received.
func (dec *Decoder) ExpectMailbox(mailbox *string) bool {
	var s string
	if !dec.ExpectAString(&s) {
		return false
	}
	if strings.EqualFold(s, "INBOX") {
		*mailbox = "INBOX"
		return true
	}
	decoded, err := decodeMailboxUTF7(s)
	if err != nil {
		*mailbox = s
		return true
	}
	*mailbox = decoded
	return true
}

// DiscardValue consumes and discards one grammar value (atom, string,
// number, list, or literal) without interpreting it. Used for unrecognised
// tagged-ext-val / fetch-att productions that must not abort the decode.
func (dec *Decoder) DiscardValue() bool {
	if dec.nilAhead() {
		dec.discardNIL()
		return true
	}

	b, ok := dec.peekByte()
	if !ok {
		return false
	}

	switch {
	case b == '"':
		var s string
		return dec.Quoted(&s)
	case b == '{':
		lit, _, ok := dec.Literal()
		if !ok {
			return false
		}
		_, err := io.Copy(io.Discard, lit)
		dec.literalReader = nil
		if err != nil {
			return dec.fail(err)
		}
		return true
	case b == '(':
		_, err := dec.List(func() error {
			if !dec.DiscardValue() {
				return dec.Err()
			}
			return nil
		})
		return err == nil
	default:
		var s string
		return dec.Atom(&s)
	}
}

// DiscardUntilByte discards bytes up to, but not including, the first
// occurrence of ch. Used to bail out of a malformed or unrecognised
// response line without losing framing.
func (dec *Decoder) DiscardUntilByte(ch byte) {
	for {
		b, ok := dec.peekByte()
		if !ok || b == ch {
			return
		}
		dec.r.Discard(1)
	}
}

// LiteralReader reads the fixed-length payload of a literal. Size is known
// up front from the "{N}" prefix.
type LiteralReader struct {
	r    io.Reader
	size int64
	read int64
}

func (lit *LiteralReader) Read(b []byte) (int, error) {
	n, err := lit.r.Read(b)
	lit.read += int64(n)
	return n, err
}

// Size returns the literal's declared byte length.
func (lit *LiteralReader) Size() int64 {
	return lit.size
}

// ExpectNStringReader requires an nstring and, when it is a literal, returns
// a LiteralReader streaming its bytes rather than buffering them; ok is
// false on decode error, isNil is true for a NIL value.
func (dec *Decoder) ExpectNStringReader() (lit *LiteralReader, isNil bool, ok bool) {
	if dec.nilAhead() {
		dec.discardNIL()
		return nil, true, true
	}

	if dec.Special('"') {
		var sb strings.Builder
		for {
			b, ok := dec.readByte()
			if !ok {
				return nil, false, false
			}
			if b == '"' {
				break
			}
			if b == '\\' {
				b, ok = dec.readByte()
				if !ok {
					return nil, false, false
				}
			}
			sb.WriteByte(b)
		}
		s := sb.String()
		return &LiteralReader{r: strings.NewReader(s), size: int64(len(s))}, false, true
	}

	l, _, ok := dec.Literal()
	if !ok {
		return nil, false, dec.failf("expected nstring")
	}
	return l, false, true
}
