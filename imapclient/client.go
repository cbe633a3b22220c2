// Package imapclient implements the IMAP4rev1 command pipeline: tag
// allocation, connection state tracking, per-command send/receive, and
// dispatch of untagged responses to typed command results.
//
// # Charset decoding
//
// By default, only basic charset decoding is performed. For non-UTF-8
// message subjects and address names, callers can set Options.WordDecoder.
// For instance, to use go-message's charset registry:
//
//	import (
//		"mime"
//
//		"github.com/emersion/go-message/charset"
//	)
//
//	options := &imapclient.Options{
//		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
//	}
//	client, err := imapclient.DialTLS("imap.example.org:993", options)
package imapclient

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/internal"
	"github.com/inboxkit/imapcore/internal/imapwire"
)

const (
	idleReadTimeout    = time.Duration(0)
	respReadTimeout    = 30 * time.Second
	literalReadTimeout = 5 * time.Minute

	cmdWriteTimeout     = 30 * time.Second
	literalWriteTimeout = 5 * time.Minute
)

var dialer = &net.Dialer{
	Timeout: 30 * time.Second,
}

// SelectedMailbox holds metadata about the currently selected mailbox.
type SelectedMailbox struct {
	Name           string
	NumMessages    uint32
	Flags          []imapcore.Flag
	PermanentFlags []imapcore.Flag
}

func (mbox *SelectedMailbox) copy() *SelectedMailbox {
	copy := *mbox
	return &copy
}

// Options holds options for the client.
type Options struct {
	// TLS configuration for DialTLS and DialStartTLS. If nil, the default
	// configuration is used.
	TLSConfig *tls.Config
	// Raw input and output bytes are written to this writer, if any. Note
	// that this can include sensitive information such as credentials
	// used during authentication.
	DebugWriter io.Writer
	// Unilateral data handler.
	UnilateralDataHandler *UnilateralDataHandler
	// Decoder for RFC 2047 encoded-words.
	WordDecoder *mime.WordDecoder
	// Tag prefix used to generate command tags. Defaults to "A". Set a
	// fresh prefix when reconnecting a client whose previous tags might
	// still be in flight on the old connection, so tags never collide
	// across the two sessions.
	TagPrefix string
	// Session identifier included in DebugWriter trace lines, to
	// demultiplex interleaved traces when a host runs several Clients
	// concurrently. Defaults to a generated UUID when DebugWriter is set
	// and SessionID is empty.
	SessionID string
	// Read and write timeouts applied to ordinary (non-literal, non-idle)
	// I/O. Zero means no timeout, matching the historical behavior.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Byte threshold used by Client.SplitNumSet to decide how finely to
	// break up a number-set argument that a caller is about to split
	// across multiple commands (e.g. a large UID FETCH). Defaults to
	// 8192, the octet count RFC 3501 recommends as a safe line length.
	SplitThreshold int
}

func (options *Options) tagPrefix() string {
	if options.TagPrefix == "" {
		return "A"
	}
	return options.TagPrefix
}

func (options *Options) splitThreshold() int {
	if options.SplitThreshold <= 0 {
		return 8192
	}
	return options.SplitThreshold
}

func (options *Options) sessionID() string {
	if options.SessionID != "" {
		return options.SessionID
	}
	if options.DebugWriter == nil {
		return ""
	}
	return uuid.NewString()
}

func (options *Options) wrapReadWriter(rw io.ReadWriter) io.ReadWriter {
	if options.DebugWriter == nil {
		return rw
	}
	prefix := ""
	if id := options.sessionID(); id != "" {
		prefix = "[" + id + "] "
	}
	return struct {
		io.Reader
		io.Writer
	}{
		Reader: io.TeeReader(rw, linePrefixWriter{w: options.DebugWriter, prefix: prefix + "S: "}),
		Writer: io.MultiWriter(rw, linePrefixWriter{w: options.DebugWriter, prefix: prefix + "C: "}),
	}
}

// linePrefixWriter prepends prefix to every Write call. Raw protocol chunks
// don't always end on a line boundary, so this labels chunks rather than
// logical lines, which is good enough for demultiplexing concurrent
// sessions by eye.
type linePrefixWriter struct {
	w      io.Writer
	prefix string
}

func (lw linePrefixWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(lw.w, lw.prefix); err != nil {
		return 0, err
	}
	n, err := lw.w.Write(p)
	return n, err
}

func (options *Options) decodeText(s string) (string, error) {
	wordDecoder := options.WordDecoder
	if wordDecoder == nil {
		wordDecoder = &mime.WordDecoder{}
	}
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s, err
	}
	return out, nil
}

func (options *Options) unilateralDataHandler() *UnilateralDataHandler {
	if options.UnilateralDataHandler == nil {
		return &UnilateralDataHandler{}
	}
	return options.UnilateralDataHandler
}

func (options *Options) tlsConfig() *tls.Config {
	if options != nil && options.TLSConfig != nil {
		return options.TLSConfig.Clone()
	} else {
		return new(tls.Config)
	}
}

// Client is the IMAP protocol engine: it serialises commands onto the
// wire, tracks connection state, and dispatches the server's tagged and
// untagged responses back to the command that requested them.
//
// IMAP commands are exposed as methods. These methods block until the
// command has been sent to the server, but not until the server has sent
// a response. They return a command struct, which can be used to wait
// for the server's response. Commands are not pipelined: at most one
// command is in flight at a time, and starting a command blocks until the
// previous one has received its tagged completion (see TryBeginCommand
// for a non-blocking variant).
//
// A Client can be safely used from multiple goroutines, but this doesn't
// guarantee any ordering of commands. Some commands (e.g. Idle) keep the
// client busy until they are closed.
type Client struct {
	conn     net.Conn
	options  Options
	br       *bufio.Reader
	bw       *bufio.Writer
	dec      *imapwire.Decoder
	encMutex sync.Mutex

	// activeMutex enforces the engine's single-Active-command discipline:
	// it is acquired by beginCommand/TryBeginCommand before a command's
	// tag is allocated, and released exactly once, by completeCommand,
	// once that command's tagged completion has been processed. Unlike
	// encMutex (released as soon as the command's bytes are flushed),
	// activeMutex stays held for the command's entire round trip, so a
	// second command can never become Active while one is outstanding.
	activeMutex sync.Mutex

	greetingCh   chan struct{}
	greetingRecv bool
	greetingErr  error

	decCh  chan struct{}
	decErr error

	mutex        sync.Mutex
	state        imapcore.ConnState
	caps         imapcore.CapSet
	capVersion   uint64 // incremented every time caps is replaced or narrowed
	enabled      imapcore.CapSet
	pendingCapCh chan struct{}
	mailbox      *SelectedMailbox
	cmdTag       uint64
	pendingCmds  []command
	contReqs     []continuationRequest
	closed       bool
}

// New creates a new IMAP client.
//
// This function doesn't perform I/O.
//
// A nil options pointer is equivalent to a zero options value.
func New(conn net.Conn, options *Options) *Client {
	if options == nil {
		options = &Options{}
	}
	resolved := *options
	if resolved.DebugWriter != nil && resolved.SessionID == "" {
		resolved.SessionID = resolved.sessionID()
	}
	options = &resolved

	rw := options.wrapReadWriter(conn)
	br := bufio.NewReader(rw)
	bw := bufio.NewWriter(rw)

	client := &Client{
		conn:       conn,
		options:    *options,
		br:         br,
		bw:         bw,
		dec:        imapwire.NewDecoder(br, imapwire.ConnSideClient),
		greetingCh: make(chan struct{}),
		decCh:      make(chan struct{}),
		state:      imapcore.ConnStateNone,
		enabled:    make(imapcore.CapSet),
	}
	go client.read()
	return client
}

// NewStartTLS creates a new IMAP client, using STARTTLS.
//
// A nil options pointer is equivalent to a zero options value.
func NewStartTLS(conn net.Conn, options *Options) (*Client, error) {
	if options == nil {
		options = &Options{}
	}

	client := New(conn, options)
	if err := client.startTLS(options.TLSConfig); err != nil {
		conn.Close()
		return nil, err
	}

	// Reject PREAUTH on an unencrypted connection, per section 7.1.4
	if client.State() != imapcore.ConnStateNotAuthenticated {
		client.Close()
		return nil, fmt.Errorf("imapclient: server sent PREAUTH on an unencrypted connection")
	}

	return client, nil
}

// DialInsecure connects to an unencrypted IMAP server.
func DialInsecure(address string, options *Options) (*Client, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	return New(conn, options), nil
}

// DialTLS connects to an IMAP server using implicit TLS.
func DialTLS(address string, options *Options) (*Client, error) {
	tlsConfig := options.tlsConfig()
	if tlsConfig.NextProtos == nil {
		tlsConfig.NextProtos = []string{"imap"}
	}

	conn, err := tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	if err != nil {
		return nil, err
	}
	return New(conn, options), nil
}

// DialStartTLS connects to an IMAP server using STARTTLS.
func DialStartTLS(address string, options *Options) (*Client, error) {
	if options == nil {
		options = &Options{}
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, err
	}

	tlsConfig := options.tlsConfig()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}
	newOptions := *options
	newOptions.TLSConfig = tlsConfig
	return NewStartTLS(conn, &newOptions)
}

// SplitNumSet splits s into one or more number-sets that each stay under
// the configured Options.SplitThreshold when rendered on the wire. Use
// this before issuing a FETCH, UID FETCH, or similar command over a
// number-set large enough to risk exceeding a server's line-length
// limit; issue one command per returned NumSet.
func (c *Client) SplitNumSet(s imapcore.NumSet) []imapcore.NumSet {
	return imapcore.SplitNumSet(s, c.options.splitThreshold())
}

// respReadTimeout returns the timeout for an ordinary (non-literal,
// non-idle) response read, honoring Options.ReadTimeout when set.
func (c *Client) respReadTimeout() time.Duration {
	if c.options.ReadTimeout > 0 {
		return c.options.ReadTimeout
	}
	return respReadTimeout
}

// cmdWriteTimeout returns the timeout for an ordinary command write,
// honoring Options.WriteTimeout when set.
func (c *Client) cmdWriteTimeout() time.Duration {
	if c.options.WriteTimeout > 0 {
		return c.options.WriteTimeout
	}
	return cmdWriteTimeout
}

func (c *Client) setReadTimeout(dur time.Duration) {
	if dur > 0 {
		c.conn.SetReadDeadline(time.Now().Add(dur))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
}

func (c *Client) setWriteTimeout(dur time.Duration) {
	if dur > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(dur))
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
}

// State returns the current connection state of the client.
func (c *Client) State() imapcore.ConnState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// requireState returns an InvalidState error if the connection's current
// state is not one of allowed, naming op in the error so a caller's log
// line identifies which command was rejected.
func (c *Client) requireState(op string, allowed ...imapcore.ConnState) error {
	cur := c.State()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return invalidStateError(op, cur)
}

func (c *Client) setState(state imapcore.ConnState) {
	c.mutex.Lock()
	c.state = state
	if c.state != imapcore.ConnStateSelected {
		c.mailbox = nil
	}
	c.mutex.Unlock()
}

// Caps returns the capabilities advertised by the server.
//
// When the server hasn't sent the capability list yet, this method
// requests it and blocks until it is received. If the capabilities
// cannot be fetched, nil is returned.
func (c *Client) Caps() imapcore.CapSet {
	if err := c.WaitGreeting(); err != nil {
		return nil
	}

	c.mutex.Lock()
	caps := c.caps
	capCh := c.pendingCapCh
	c.mutex.Unlock()

	if caps != nil {
		return caps
	}

	if capCh == nil {
		capCmd := c.Capability()
		capCh := make(chan struct{})
		go func() {
			capCmd.Wait()
			close(capCh)
		}()
		c.mutex.Lock()
		c.pendingCapCh = capCh
		c.mutex.Unlock()
	}

	timer := time.NewTimer(c.respReadTimeout())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-capCh:
		// ok
	}

	// TODO: this is unsafe if caps are reset before we get the reply
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.caps
}

func (c *Client) setCaps(caps imapcore.CapSet) {
	// If the capabilities were reset, request updated ones from the server
	var capCh chan struct{}
	if caps == nil {
		capCh = make(chan struct{})

		// We need to send the CAPABILITY command in a separate goroutine:
		// setCaps may be called while Client.encMutex is locked
		go func() {
			c.Capability().Wait()
			close(capCh)
		}()
	}

	c.mutex.Lock()
	c.caps = caps
	c.pendingCapCh = capCh
	c.capVersion++ // invalidate the current version on every update
	myVersion := c.capVersion
	c.mutex.Unlock()

	_ = myVersion
}

// disableCaps removes the capabilities named by names from the current
// capability set without triggering a new CAPABILITY query. It can only
// narrow the set: capabilities advertised by the server can only be
// added by an explicit CAPABILITY response (setCaps), never inferred
// locally, so that after commands such as STARTTLS or AUTHENTICATE that
// require dropping the stale cache, the client never mistakenly trusts a
// capability that should have been cleared.
func (c *Client) disableCaps(names ...imapcore.Cap) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.caps == nil {
		return
	}
	next := make(imapcore.CapSet, len(c.caps))
	for name := range c.caps {
		next[name] = struct{}{}
	}
	for _, name := range names {
		delete(next, name)
	}
	c.caps = next
	c.capVersion++
}

// Mailbox returns the status of the currently selected mailbox.
//
// If there is no currently selected mailbox, nil is returned.
//
// The returned struct must not be mutated.
func (c *Client) Mailbox() *SelectedMailbox {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.mailbox
}

// Close immediately closes the connection.
func (c *Client) Close() error {
	c.mutex.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mutex.Unlock()

	// Ignore net.ErrClosed here since we also call conn.Close in c.read
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}

	<-c.decCh
	if err := c.decErr; err != nil {
		return err
	}

	if alreadyClosed {
		return net.ErrClosed
	}
	return nil
}

// ErrBusy indicates that the engine is currently held by another
// exclusive command (e.g. IDLE), so TryBeginCommand fails immediately
// instead of blocking until that command finishes.
var ErrBusy = errors.New("imapclient: busy: another command holds the engine (e.g. IDLE)")

// beginCommand starts sending a command to the server.
//
// The command name and a space are written.
//
// The caller must call commandEncoder.end. beginCommand blocks until any
// previously begun command has completed: at most one command may be
// Active at a time. If the connection has already moved to the terminal
// Logout state, cmd fails synchronously with InvalidState and the
// returned encoder discards everything written to it.
func (c *Client) beginCommand(name string, cmd command) *commandEncoder {
	c.activeMutex.Lock() // unlocked exactly once by completeCommand
	if state := c.State(); state == imapcore.ConnStateLogout {
		c.activeMutex.Unlock()
		return c.deadEncoder(cmd, invalidStateError(name, state))
	}
	c.encMutex.Lock() // unlocked by commandEncoder.end
	return c.beginCommandLocked(name, cmd, c.activeMutex.Unlock)
}

// TryBeginCommand is identical to beginCommand, but returns ErrBusy
// immediately instead of blocking when the engine is busy (typically
// because an IDLE command is still running).
func (c *Client) TryBeginCommand(name string, cmd command) (*commandEncoder, error) {
	if !c.activeMutex.TryLock() {
		return nil, ErrBusy
	}
	if state := c.State(); state == imapcore.ConnStateLogout {
		c.activeMutex.Unlock()
		return c.deadEncoder(cmd, invalidStateError(name, state)), nil
	}
	c.encMutex.Lock() // unlocked by commandEncoder.end
	return c.beginCommandLocked(name, cmd, c.activeMutex.Unlock), nil
}

// deadEncoder synchronously fails cmd with err, without performing any
// I/O, and returns a commandEncoder whose writes are discarded. This lets
// a rejected command still go through the usual
// "beginCommand(...).SP()....end()" chaining every command method uses,
// rather than forcing every call site to special-case a precondition
// failure.
func (c *Client) deadEncoder(cmd command, err error) *commandEncoder {
	failCommandNow(cmd, err)
	return &commandEncoder{
		Encoder: imapwire.NewEncoder(bufio.NewWriter(io.Discard), imapwire.ConnSideClient),
		client:  c,
		cmd:     cmd.base(),
		dead:    true,
	}
}

// failCommandNow marks cmd complete with err without involving the
// engine's read loop, for preconditions that must fail before any bytes
// reach the wire.
func failCommandNow(cmd command, err error) {
	base := cmd.base()
	base.done = make(chan error, 1)
	base.done <- err
	close(base.done)
}

// beginCommandLocked assumes the caller already holds encMutex and
// activeMutex; releaseActive is called (at most once) by completeCommand
// to release activeMutex once cmd's tagged completion is processed.
func (c *Client) beginCommandLocked(name string, cmd command, releaseActive func()) *commandEncoder {
	c.mutex.Lock()

	c.cmdTag++
	tag := fmt.Sprintf("%s%08d", c.options.tagPrefix(), c.cmdTag)

	baseCmd := cmd.base()
	*baseCmd = commandBase{
		tag:           tag,
		done:          make(chan error, 1),
		client:        c,
		releaseActive: releaseActive,
	}

	c.pendingCmds = append(c.pendingCmds, cmd)
	quotedUTF8 := c.caps.Has(imapcore.CapIMAP4rev2) || c.enabled.Has(imapcore.CapUTF8Accept)
	literalMinus := c.caps.Has(imapcore.CapLiteralMinus)
	literalPlus := c.caps.Has(imapcore.CapLiteralPlus)

	c.mutex.Unlock()

	c.setWriteTimeout(c.cmdWriteTimeout())

	wireEnc := imapwire.NewEncoder(c.bw, imapwire.ConnSideClient)
	wireEnc.QuotedUTF8 = quotedUTF8
	wireEnc.LiteralMinus = literalMinus
	wireEnc.LiteralPlus = literalPlus
	wireEnc.NewContinuationRequest = func() *imapwire.ContinuationRequest {
		return c.registerContReq(cmd)
	}

	enc := &commandEncoder{
		Encoder: wireEnc,
		client:  c,
		cmd:     baseCmd,
	}
	enc.Atom(tag).SP().Atom(name)
	return enc
}

// deletePendingCmdByTag removes the pending command matching tag from the
// queue and returns it, or nil if not found.
func (c *Client) deletePendingCmdByTag(tag string) command {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i, cmd := range c.pendingCmds {
		if cmd.base().tag == tag {
			c.pendingCmds = append(c.pendingCmds[:i], c.pendingCmds[i+1:]...)
			return cmd
		}
	}
	return nil
}

// findPendingCmdFunc returns the first pending command for which f
// returns true, or nil if none match.
func (c *Client) findPendingCmdFunc(f func(cmd command) bool) command {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, cmd := range c.pendingCmds {
		if f(cmd) {
			return cmd
		}
	}
	return nil
}

// findPendingCmdByType returns the first pending command of type T, or
// the zero value of T if none match.
func findPendingCmdByType[T command](c *Client) T {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, cmd := range c.pendingCmds {
		if cmd, ok := cmd.(T); ok {
			return cmd
		}
	}

	var cmd T
	return cmd
}

// completeCommand marks cmd as complete and updates the connection state
// based on err (nil on success).
func (c *Client) completeCommand(cmd command, err error) {
	base := cmd.base()
	done := base.done
	done <- err
	close(done)

	// Release the engine for the next queued beginCommand caller. Guarded
	// by releaseOnce since completeCommand may be invoked a second time
	// for a command already drained by closeWithError.
	base.releaseOnce.Do(func() {
		if base.releaseActive != nil {
			base.releaseActive()
		}
	})

	// Make sure the command doesn't block on a leftover continuation request
	c.mutex.Lock()
	var filtered []continuationRequest
	for _, contReq := range c.contReqs {
		if contReq.cmd != cmd.base() {
			filtered = append(filtered, contReq)
		} else {
			contReq.Cancel(err)
		}
	}
	c.contReqs = filtered
	c.mutex.Unlock()

	switch cmd := cmd.(type) {
	case *authenticateCommand, *loginCommand:
		if err == nil {
			c.setState(imapcore.ConnStateAuthenticated)
		}
	case *unauthenticateCommand:
		if err == nil {
			c.mutex.Lock()
			c.state = imapcore.ConnStateNotAuthenticated
			c.mailbox = nil
			c.enabled = make(imapcore.CapSet)
			c.mutex.Unlock()
		}
	case *SelectCommand:
		if err == nil {
			c.mutex.Lock()
			c.state = imapcore.ConnStateSelected
			c.mailbox = &SelectedMailbox{
				Name:           cmd.mailbox,
				NumMessages:    cmd.data.NumMessages,
				Flags:          cmd.data.Flags,
				PermanentFlags: cmd.data.PermanentFlags,
			}
			c.mutex.Unlock()
		}
	case *unselectCommand:
		if err == nil {
			c.setState(imapcore.ConnStateAuthenticated)
		}
	case *logoutCommand:
		if err == nil {
			c.setState(imapcore.ConnStateLogout)
		}
	case *ListCommand:
		if cmd.pendingData != nil {
			cmd.mailboxes <- cmd.pendingData
		}
		close(cmd.mailboxes)
	case *FetchCommand:
		close(cmd.msgs)
	case *ExpungeCommand:
		close(cmd.seqNums)
	}
}

// registerContReq registers a continuation request tied to cmd.
func (c *Client) registerContReq(cmd command) *imapwire.ContinuationRequest {
	contReq := imapwire.NewContinuationRequest()

	c.mutex.Lock()
	c.contReqs = append(c.contReqs, continuationRequest{
		ContinuationRequest: contReq,
		cmd:                 cmd.base(),
	})
	c.mutex.Unlock()

	return contReq
}

// closeWithError closes the connection and fails all pending commands
// with err.
func (c *Client) closeWithError(err error) {
	c.conn.Close()

	c.mutex.Lock()
	c.state = imapcore.ConnStateLogout
	pendingCmds := c.pendingCmds
	c.pendingCmds = nil
	c.mutex.Unlock()

	for _, cmd := range pendingCmds {
		c.completeCommand(cmd, err)
	}
}

// read continuously reads data sent back by the server.
//
// All data is decoded in the read goroutine, then dispatched to pending
// commands via channels.
func (c *Client) read() {
	defer close(c.decCh)
	defer func() {
		if v := recover(); v != nil {
			c.decErr = fmt.Errorf("imapclient: panic reading response: %v\n%s", v, debug.Stack())
		}

		cmdErr := c.decErr
		if cmdErr == nil {
			cmdErr = io.ErrUnexpectedEOF
		}
		c.closeWithError(classifyReadError(cmdErr))
	}()

	c.setReadTimeout(c.respReadTimeout())
	for {
		// Ignore net.ErrClosed since c.Close also calls conn.Close
		if c.dec.EOF() || errors.Is(c.dec.Err(), net.ErrClosed) || errors.Is(c.dec.Err(), io.ErrClosedPipe) {
			break
		}
		if err := c.readResponse(); err != nil {
			c.decErr = err
			break
		}
		if c.greetingErr != nil {
			break
		}
	}
}

// classifyReadError wraps a fatal error from the read loop as Timeout or
// IoError per the engine's error-propagation policy: both are fatal and
// force a disconnect, but Timeout is reported distinctly when the
// underlying error says the deadline, not the transport, is at fault.
func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timeoutError("read")
	}
	return ioError("read", err)
}

// readResponse reads and dispatches a single server response line.
func (c *Client) readResponse() error {
	c.setReadTimeout(c.respReadTimeout())
	defer c.setReadTimeout(idleReadTimeout)

	if c.dec.Special('+') {
		if err := c.readContinueReq(); err != nil {
			return fmt.Errorf("in continue-req: %v", err)
		}
		return nil
	}

	var tag, typ string
	if !c.dec.Expect(c.dec.Special('*') || c.dec.Atom(&tag), "'*' or atom") {
		return fmt.Errorf("in response: failed to read tag: %v", c.dec.Err())
	}
	if !c.dec.ExpectSP() {
		return fmt.Errorf("in response: %v", c.dec.Err())
	}
	if !c.dec.ExpectAtom(&typ) {
		return fmt.Errorf("in response: failed to read type: %v", c.dec.Err())
	}

	var (
		token    string
		err      error
		startTLS *startTLSCommand
		compress *compressCommand
	)
	if tag != "" {
		token = "response-tagged"
		startTLS, compress, err = c.readResponseTagged(tag, typ)
	} else {
		token = "response-data"
		err = c.readResponseData(typ)
	}
	if err != nil {
		return fmt.Errorf("in %v: %v", token, err)
	}

	if !c.dec.ExpectCRLF() {
		return fmt.Errorf("in response: %v", c.dec.Err())
	}

	if startTLS != nil {
		c.upgradeStartTLS(startTLS)
	}
	if compress != nil {
		c.upgradeCompress(compress)
	}

	return nil
}

// readContinueReq reads a "+" continuation line from the server.
func (c *Client) readContinueReq() error {
	var text string
	if c.dec.SP() {
		c.dec.Text(&text)
	}
	if !c.dec.ExpectCRLF() {
		return c.dec.Err()
	}

	var contReq *imapwire.ContinuationRequest
	c.mutex.Lock()
	if len(c.contReqs) > 0 {
		contReq = c.contReqs[0].ContinuationRequest
		c.contReqs = append(c.contReqs[:0], c.contReqs[1:]...)
	}
	c.mutex.Unlock()

	if contReq == nil {
		return fmt.Errorf("received unmatched continuation request")
	}

	contReq.Done(text)
	return nil
}

// readResponseTagged reads the tagged completion line for tag and
// completes the matching pending command.
func (c *Client) readResponseTagged(tag, typ string) (startTLS *startTLSCommand, compress *compressCommand, err error) {
	cmd := c.deletePendingCmdByTag(tag)
	if cmd == nil {
		return nil, nil, fmt.Errorf("received tagged response with unknown tag %q", tag)
	}

	// The command is already removed from the pending queue; make sure it
	// doesn't block forever if an error occurs below.
	defer func() {
		if err != nil {
			c.completeCommand(cmd, err)
		}
	}()

	// Some servers omit resp-text even though the RFC requires it, see
	// issues #500 and #502 upstream
	hasSP := c.dec.SP()

	var code string
	var badCharsetSupported []string
	if hasSP && c.dec.Special('[') { // resp-text-code
		if !c.dec.ExpectAtom(&code) {
			return nil, nil, fmt.Errorf("in resp-text-code: %v", c.dec.Err())
		}
		switch code {
		case "BADCHARSET":
			if c.dec.SP() {
				if !c.dec.ExpectSpecial('(') {
					return nil, nil, fmt.Errorf("in resp-code-badcharset: %v", c.dec.Err())
				}
				for {
					var name string
					if !c.dec.ExpectAString(&name) {
						return nil, nil, fmt.Errorf("in resp-code-badcharset: %v", c.dec.Err())
					}
					badCharsetSupported = append(badCharsetSupported, name)
					if !c.dec.SP() {
						break
					}
				}
				if !c.dec.ExpectSpecial(')') {
					return nil, nil, fmt.Errorf("in resp-code-badcharset: %v", c.dec.Err())
				}
			}
		case "CAPABILITY":
			caps, err := readCapabilities(c.dec)
			if err != nil {
				return nil, nil, fmt.Errorf("in capability-data: %v", err)
			}
			c.setCaps(caps)
		case "APPENDUID":
			var (
				uidValidity uint32
				uid         imapcore.UID
			)
			if !c.dec.ExpectSP() || !c.dec.ExpectNumber(&uidValidity) || !c.dec.ExpectSP() || !c.dec.ExpectUID(&uid) {
				return nil, nil, fmt.Errorf("in resp-code-apnd: %v", c.dec.Err())
			}
			if cmd, ok := cmd.(*AppendCommand); ok {
				cmd.data.UID = uid
				cmd.data.UIDValidity = uidValidity
			}
		case "COPYUID":
			if !c.dec.ExpectSP() {
				return nil, nil, c.dec.Err()
			}
			uidValidity, srcUIDs, dstUIDs, err := readRespCodeCopyUID(c.dec)
			if err != nil {
				return nil, nil, fmt.Errorf("in resp-code-copy: %v", err)
			}
			switch cmd := cmd.(type) {
			case *CopyCommand:
				cmd.data.UIDValidity = uidValidity
				cmd.data.SourceUIDs = srcUIDs
				cmd.data.DestUIDs = dstUIDs
			case *MoveCommand:
				// Can happen when Client.Move falls back to COPY + STORE + EXPUNGE
				cmd.data.UIDValidity = uidValidity
				cmd.data.SourceUIDs = srcUIDs
				cmd.data.DestUIDs = dstUIDs
			}
		default:
			if c.dec.SP() {
				c.dec.DiscardUntilByte(']')
			}
		}
		if !c.dec.ExpectSpecial(']') {
			return nil, nil, fmt.Errorf("in resp-text: %v", c.dec.Err())
		}
		hasSP = c.dec.SP()
	}

	var text string
	if hasSP && !c.dec.ExpectText(&text) {
		return nil, nil, fmt.Errorf("in resp-text: %v", c.dec.Err())
	}

	var cmdErr error
	switch typ {
	case "OK":
		// nothing to do
	case "NO", "BAD":
		imapErr := &imapcore.Error{
			StatusResponse: imapcore.StatusResponse{
				Type: imapcore.StatusResponseType(typ),
				Code: imapcore.ResponseCode(code),
				Text: text,
			},
			BadCharsetSupported: badCharsetSupported,
		}
		switch cmd.(type) {
		case *authenticateCommand, *loginCommand:
			if imapcore.IsAuthenticationFailure(imapErr) {
				cmdErr = &imapcore.AuthenticationError{Err: imapErr}
			} else {
				cmdErr = imapErr
			}
		default:
			cmdErr = imapErr
		}
	default:
		return nil, nil, fmt.Errorf("in resp-cond-state: expected OK, NO or BAD status, got %v", typ)
	}

	c.completeCommand(cmd, cmdErr)

	if cmd, ok := cmd.(*startTLSCommand); ok && cmdErr == nil {
		startTLS = cmd
	}
	if cmd, ok := cmd.(*compressCommand); ok && cmdErr == nil {
		compress = cmd
	}

	// Unless the capabilities were refreshed in the same response, a
	// command that may change them invalidates the cache so the next
	// Caps() call re-queries the server (see section 3 on capabilitiesVersion).
	if cmdErr == nil && code != "CAPABILITY" {
		switch cmd.(type) {
		case *startTLSCommand, *loginCommand, *authenticateCommand, *unauthenticateCommand, *compressCommand:
			c.setCaps(nil)
		}
	}

	return startTLS, compress, nil
}

// readResponseData reads a single untagged response and dispatches it to
// the matching handler.
func (c *Client) readResponseData(typ string) error {
	// number SP ("EXISTS" / "RECENT" / "FETCH" / "EXPUNGE")
	var num uint32
	if typ[0] >= '0' && typ[0] <= '9' {
		v, err := strconv.ParseUint(typ, 10, 32)
		if err != nil {
			return err
		}

		num = uint32(v)
		if !c.dec.ExpectSP() || !c.dec.ExpectAtom(&typ) {
			return c.dec.Err()
		}
	}

	switch typ {
	case "OK", "PREAUTH", "NO", "BAD", "BYE":
		// Some servers omit resp-text even though the RFC requires it,
		// see issues #500 and #502 upstream
		hasSP := c.dec.SP()

		var code string
		if hasSP && c.dec.Special('[') { // resp-text-code
			if !c.dec.ExpectAtom(&code) {
				return fmt.Errorf("in resp-text-code: %v", c.dec.Err())
			}
			switch code {
			case "CAPABILITY":
				caps, err := readCapabilities(c.dec)
				if err != nil {
					return fmt.Errorf("in capability-data: %v", err)
				}
				c.setCaps(caps)
			case "PERMANENTFLAGS":
				if !c.dec.ExpectSP() {
					return c.dec.Err()
				}
				flags, err := internal.ExpectFlagList(c.dec)
				if err != nil {
					return err
				}

				c.mutex.Lock()
				if c.state == imapcore.ConnStateSelected {
					c.mailbox = c.mailbox.copy()
					c.mailbox.PermanentFlags = flags
				}
				c.mutex.Unlock()

				if cmd := findPendingCmdByType[*SelectCommand](c); cmd != nil {
					cmd.data.PermanentFlags = flags
				} else if handler := c.options.unilateralDataHandler().Mailbox; handler != nil {
					handler(&UnilateralDataMailbox{PermanentFlags: flags})
				}
			case "UIDNEXT":
				var uidNext imapcore.UID
				if !c.dec.ExpectSP() || !c.dec.ExpectUID(&uidNext) {
					return c.dec.Err()
				}
				if cmd := findPendingCmdByType[*SelectCommand](c); cmd != nil {
					cmd.data.UIDNext = uidNext
				}
			case "UIDVALIDITY":
				var uidValidity uint32
				if !c.dec.ExpectSP() || !c.dec.ExpectNumber(&uidValidity) {
					return c.dec.Err()
				}
				if cmd := findPendingCmdByType[*SelectCommand](c); cmd != nil {
					cmd.data.UIDValidity = uidValidity
				}
			case "COPYUID":
				if !c.dec.ExpectSP() {
					return c.dec.Err()
				}
				uidValidity, srcUIDs, dstUIDs, err := readRespCodeCopyUID(c.dec)
				if err != nil {
					return fmt.Errorf("in resp-code-copy: %v", err)
				}
				if cmd := findPendingCmdByType[*MoveCommand](c); cmd != nil {
					cmd.data.UIDValidity = uidValidity
					cmd.data.SourceUIDs = srcUIDs
					cmd.data.DestUIDs = dstUIDs
				}
			case "HIGHESTMODSEQ":
				var modSeq uint64
				if !c.dec.ExpectSP() || !c.dec.ExpectModSeq(&modSeq) {
					return c.dec.Err()
				}
				if cmd := findPendingCmdByType[*SelectCommand](c); cmd != nil {
					cmd.data.HighestModSeq = modSeq
				}
			case "NOMODSEQ":
				// ignored
			default: // [SP 1*<any character except "]">]
				if c.dec.SP() {
					c.dec.DiscardUntilByte(']')
				}
			}
			if !c.dec.ExpectSpecial(']') {
				return fmt.Errorf("in resp-text: %v", c.dec.Err())
			}
			hasSP = c.dec.SP()
		}

		var text string
		if hasSP && !c.dec.ExpectText(&text) {
			return fmt.Errorf("in resp-text: %v", c.dec.Err())
		}

		if code == "CLOSED" {
			c.setState(imapcore.ConnStateAuthenticated)
		}

		if !c.greetingRecv {
			switch typ {
			case "OK":
				c.setState(imapcore.ConnStateNotAuthenticated)
			case "PREAUTH":
				c.setState(imapcore.ConnStateAuthenticated)
			default:
				c.setState(imapcore.ConnStateLogout)
				c.greetingErr = &imapcore.Error{
					StatusResponse: imapcore.StatusResponse{
						Type: imapcore.StatusResponseType(typ),
						Code: imapcore.ResponseCode(code),
						Text: text,
					},
				}
			}
			c.greetingRecv = true
			if c.greetingErr == nil && code != "CAPABILITY" {
				c.setCaps(nil) // query initial capabilities
			}
			close(c.greetingCh)
		} else if typ == "BYE" {
			// An unsolicited BYE (or the BYE that precedes a LOGOUT's own
			// tagged OK) always puts the engine into its terminal state:
			// the current command, if any, still completes normally when
			// its own tagged response arrives, but every subsequent
			// operation synchronously fails with InvalidState.
			c.setState(imapcore.ConnStateLogout)
		}
	case "ID":
		return c.handleID()
	case "CAPABILITY":
		return c.handleCapability()
	case "ENABLED":
		return c.handleEnabled()
	case "NAMESPACE":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleNamespace()
	case "FLAGS":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleFlags()
	case "EXISTS":
		return c.handleExists(num)
	case "RECENT":
		// ignored
	case "LIST":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleList()
	case "STATUS":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleStatus()
	case "FETCH":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleFetch(num)
	case "EXPUNGE":
		return c.handleExpunge(num)
	case "SEARCH":
		return c.handleSearch()
	case "ESEARCH":
		return c.handleESearch()
	case "SORT":
		return c.handleSort()
	case "THREAD":
		return c.handleThread()
	case "METADATA":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleMetadata()
	case "QUOTA":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleQuota()
	case "QUOTAROOT":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleQuotaRoot()
	case "MYRIGHTS":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleMyRights()
	case "ACL":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleGetACL()
	case "LISTRIGHTS":
		if !c.dec.ExpectSP() {
			return c.dec.Err()
		}
		return c.handleListRights()
	default:
		return fmt.Errorf("unsupported response type %q", typ)
	}

	return nil
}

// WaitGreeting waits for the server's initial greeting.
func (c *Client) WaitGreeting() error {
	select {
	case <-c.greetingCh:
		return c.greetingErr
	case <-c.decCh:
		if c.decErr != nil {
			return fmt.Errorf("error before greeting: %v", c.decErr)
		}
		return fmt.Errorf("connection closed before greeting")
	}
}

// Noop sends a NOOP command.
func (c *Client) Noop() *Command {
	cmd := &Command{}
	c.beginCommand("NOOP", cmd).end()
	return cmd
}

// Logout sends a LOGOUT command to tell the server the client is done
// with the connection.
func (c *Client) Logout() *Command {
	cmd := &logoutCommand{}
	c.beginCommand("LOGOUT", cmd).end()
	return &cmd.Command
}

// Login sends a LOGIN command.
//
// LOGIN requires the connection to not already be authenticated; calling
// it in any other state fails synchronously with InvalidState.
func (c *Client) Login(username, password string) *Command {
	cmd := &loginCommand{}
	if err := c.WaitGreeting(); err != nil {
		failCommandNow(cmd, err)
		return &cmd.Command
	}
	if err := c.requireState("LOGIN", imapcore.ConnStateNotAuthenticated); err != nil {
		failCommandNow(cmd, err)
		return &cmd.Command
	}
	enc := c.beginCommand("LOGIN", cmd)
	enc.SP().String(username).SP().String(password)
	enc.end()
	return &cmd.Command
}

// Delete sends a DELETE command.
func (c *Client) Delete(mailbox string) *Command {
	cmd := &Command{}
	enc := c.beginCommand("DELETE", cmd)
	enc.SP().Mailbox(mailbox)
	enc.end()
	return cmd
}

// Rename sends a RENAME command.
func (c *Client) Rename(mailbox, newName string) *Command {
	cmd := &Command{}
	enc := c.beginCommand("RENAME", cmd)
	enc.SP().Mailbox(mailbox).SP().Mailbox(newName)
	enc.end()
	return cmd
}

// Subscribe sends a SUBSCRIBE command.
func (c *Client) Subscribe(mailbox string) *Command {
	cmd := &Command{}
	enc := c.beginCommand("SUBSCRIBE", cmd)
	enc.SP().Mailbox(mailbox)
	enc.end()
	return cmd
}

// Unsubscribe sends an UNSUBSCRIBE command.
func (c *Client) Unsubscribe(mailbox string) *Command {
	cmd := &Command{}
	enc := c.beginCommand("UNSUBSCRIBE", cmd)
	enc.SP().Mailbox(mailbox)
	enc.end()
	return cmd
}

// uidCmdName prefixes name with "UID " when kind is NumKindUID.
func uidCmdName(name string, kind imapwire.NumKind) string {
	switch kind {
	case imapwire.NumKindSeq:
		return name
	case imapwire.NumKindUID:
		return "UID " + name
	default:
		panic("imapclient: invalid imapwire.NumKind")
	}
}

// commandEncoder wraps an imapwire.Encoder for the duration of a single
// outgoing command.
type commandEncoder struct {
	*imapwire.Encoder
	client *Client
	cmd    *commandBase
	// dead marks an encoder returned by deadEncoder: the command it's
	// attached to has already been synchronously failed, so writes are
	// discarded and end must not touch encMutex/activeMutex, which were
	// never acquired for it.
	dead bool
}

// end finishes a command being sent, writing the final CRLF, flushing the
// encoder, and releasing the engine's send lock.
func (ce *commandEncoder) end() {
	if ce.dead {
		return
	}
	if ce.Encoder != nil {
		ce.flush()
	}
	ce.client.setWriteTimeout(0)
	ce.client.encMutex.Unlock()
}

// flush sends a command being built so far, but keeps the encoder's lock
// held. It writes the CRLF and flushes the encoder. The caller must still
// call commandEncoder.end to release the lock.
func (ce *commandEncoder) flush() {
	if err := ce.Encoder.CRLF(); err != nil {
		// TODO: consider storing the error on Client to return it from
		// future calls
		ce.client.closeWithError(err)
	}
	ce.Encoder = nil
}

// Literal encodes a literal of the given size.
func (ce *commandEncoder) Literal(size int64) io.WriteCloser {
	if ce.dead {
		return nopWriteCloser{Writer: io.Discard}
	}

	var contReq *imapwire.ContinuationRequest
	ce.client.mutex.Lock()
	hasCapLiteralMinus := ce.client.caps.Has(imapcore.CapLiteralMinus)
	hasCapLiteralPlus := ce.client.caps.Has(imapcore.CapLiteralPlus)
	ce.client.mutex.Unlock()
	if !hasCapLiteralPlus && (size > 4096 || !hasCapLiteralMinus) {
		contReq = ce.client.registerContReq(ce.cmd)
	}
	ce.client.setWriteTimeout(literalWriteTimeout)
	return literalWriter{
		WriteCloser: ce.Encoder.Literal(size, contReq),
		client:      ce.client,
	}
}

// literalWriter restores the command write timeout once a literal body
// has been fully written.
type literalWriter struct {
	io.WriteCloser
	client *Client
}

func (lw literalWriter) Close() error {
	lw.client.setWriteTimeout(lw.client.cmdWriteTimeout())
	return lw.WriteCloser.Close()
}

// nopWriteCloser adapts an io.Writer (e.g. io.Discard) into the
// io.WriteCloser that commandEncoder.Literal promises, for a dead
// encoder's literal bodies.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// continuationRequest is a pending continuation request tied to a command.
type continuationRequest struct {
	*imapwire.ContinuationRequest
	cmd *commandBase
}

// UnilateralDataMailbox describes a mailbox status update.
type UnilateralDataMailbox struct {
	// Number of messages in this mailbox. If nil, this field is unchanged.
	NumMessages    *uint32
	Flags          []imapcore.Flag
	PermanentFlags []imapcore.Flag
}

// UnilateralDataHandler handles unilateral server data, data that is not
// tied to any particular command.
type UnilateralDataHandler struct {
	Expunge func(seqNum uint32)
	Mailbox func(data *UnilateralDataMailbox)
	Fetch   func(msg *FetchMessageData)
	// Metadata requires the METADATA or METADATA-SERVER extension
	Metadata func(mailbox string, entries []string)
}

// command is the interface implemented by all IMAP commands.
type command interface {
	base() *commandBase
}

// commandBase is embedded by every command type to carry the tag and
// completion channel assigned by the engine, along with the cancellation
// handle every command holds per the engine's concurrency model.
type commandBase struct {
	tag  string
	done chan error
	err  error

	client        *Client
	releaseActive func()
	releaseOnce   sync.Once
}

func (cmd *commandBase) base() *commandBase {
	return cmd
}

func (cmd *commandBase) wait() error {
	if cmd.err == nil {
		cmd.err = <-cmd.done
	}
	return cmd.err
}

// Cancel aborts the command if it hasn't completed yet. Per the engine's
// cancellation policy, a command can't be cancelled in place: its bytes
// may already be on the wire, or its tagged completion may already be in
// flight, so Cancel forces the whole connection closed with a Cancelled
// error rather than leave the stream in an ambiguous state.
func (cmd *commandBase) Cancel() {
	select {
	case <-cmd.done:
		return
	default:
	}
	if cmd.client == nil {
		return
	}
	cmd.client.closeWithError(cancelledError(cmd.tag))
}

// Command is a basic IMAP command.
type Command struct {
	commandBase
}

// Wait blocks until the command has completed.
func (cmd *Command) Wait() error {
	return cmd.wait()
}

type loginCommand struct {
	Command
}

type logoutCommand struct {
	Command
}
