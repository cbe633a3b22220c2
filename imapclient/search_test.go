package imapclient_test

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/imapclient"
)

func TestESearch(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateSelected)
	defer client.Close()
	defer server.Close()

	if !client.Caps().Has(imapcore.CapESearch) {
		t.Skip("server doesn't support ESEARCH")
	}

	criteria := imapcore.SearchCriteria{
		Header: []imapcore.SearchCriteriaHeaderField{{
			Key:   "Message-Id",
			Value: "<191101702316132@example.com>",
		}},
	}
	options := imapcore.SearchOptions{
		ReturnCount: true,
	}
	data, err := client.Search(&criteria, &options).Wait()
	if err != nil {
		t.Fatalf("Search().Wait() = %v", err)
	}
	if want := uint32(1); data.Count != want {
		t.Errorf("Count = %v, want %v", data.Count, want)
	}
}

// badCharsetServer rejects the first SEARCH it sees with BADCHARSET,
// advertising US-ASCII and UTF-8 as supported, then accepts any retry.
type badCharsetServer struct {
	conn net.Conn
	done chan struct{}
	seen []string
}

func newBadCharsetServer() (net.Conn, *badCharsetServer) {
	clientConn, serverConn := net.Pipe()
	srv := &badCharsetServer{conn: serverConn, done: make(chan struct{})}
	go srv.run()
	return clientConn, srv
}

func (srv *badCharsetServer) Close() error {
	err := srv.conn.Close()
	<-srv.done
	return err
}

func (srv *badCharsetServer) run() {
	defer close(srv.done)

	w := bufio.NewWriter(srv.conn)
	r := bufio.NewReader(srv.conn)
	writeLine := func(format string, args ...interface{}) {
		fmt.Fprintf(w, format+"\r\n", args...)
		w.Flush()
	}

	writeLine("* OK IMAP4rev1 Service Ready")

	rejected := false
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
		var rest string
		if len(fields) == 3 {
			rest = fields[2]
		}

		// A trailing {N} or {N+} marks a literal continuing on the next
		// N bytes of the wire; consume it (and the CRLF that follows)
		// before treating the line as a complete command, mirroring how
		// the shared scriptedServer handles APPEND literals.
		if size, ok := parseLiteralSize(rest); ok {
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			r.ReadString('\n')
			rest += " " + string(buf)
		}

		switch cmd {
		case "CAPABILITY":
			writeLine("* CAPABILITY IMAP4rev1 LITERAL+")
			writeLine("%s OK Capability completed.", tag)
		case "LOGIN":
			writeLine("%s OK LOGIN completed.", tag)
		case "SEARCH":
			srv.seen = append(srv.seen, rest)
			if !rejected {
				rejected = true
				writeLine("%s NO [BADCHARSET (US-ASCII UTF-8)] unsupported charset", tag)
				continue
			}
			writeLine("* SEARCH 1")
			writeLine("%s OK SEARCH completed.", tag)
		case "LOGOUT":
			writeLine("* BYE logging out")
			writeLine("%s OK LOGOUT completed.", tag)
			return
		default:
			writeLine("%s OK %s completed.", tag, cmd)
		}
	}
}

func TestSearch_unsupportedExtensionKeys(t *testing.T) {
	client, server := newClientServerPair(t, imapcore.ConnStateSelected)
	defer client.Close()
	defer server.Close()

	cases := []struct {
		name     string
		criteria imapcore.SearchCriteria
	}{
		{"FILTER", imapcore.SearchCriteria{Filter: []string{"saved-search"}}},
		{"FUZZY", imapcore.SearchCriteria{Fuzzy: &imapcore.SearchCriteria{Body: []string{"hello"}}}},
		{"X-GM-EXT-1", imapcore.SearchCriteria{GMailRaw: "has:attachment"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Search(&tc.criteria, nil).Wait()
			if !errors.Is(err, imapcore.ErrUnsupported) {
				t.Errorf("Search() with %s criteria = %v, want ErrUnsupported", tc.name, err)
			}
		})
	}
}

func TestSearch_BadCharsetRetry(t *testing.T) {
	conn, server := newBadCharsetServer()
	defer server.Close()

	client := imapclient.New(conn, nil)
	defer client.Close()
	if err := client.Login(testUsername, testPassword).Wait(); err != nil {
		t.Fatalf("Login().Wait() = %v", err)
	}

	criteria := imapcore.SearchCriteria{
		Body: []string{"héllo"},
	}
	data, err := client.Search(&criteria, nil).Wait()
	if err != nil {
		t.Fatalf("Search().Wait() = %v", err)
	}

	if len(server.seen) != 2 {
		t.Fatalf("server saw %d SEARCH commands, want 2 (original + one retry): %v", len(server.seen), server.seen)
	}
	if !strings.Contains(server.seen[0], "CHARSET UTF-8") {
		t.Errorf("first SEARCH = %q, want a UTF-8 CHARSET declaration", server.seen[0])
	}
	if strings.Contains(strings.ToUpper(server.seen[1]), "CHARSET") {
		t.Errorf("retried SEARCH = %q, want no CHARSET clause (falls back to the implicit default)", server.seen[1])
	}

	if nums, ok := data.All.(imapcore.SeqSet); !ok {
		t.Errorf("SearchData.All has type %T, want imapcore.SeqSet", data.All)
	} else if n, _ := nums.Nums(); len(n) != 1 || n[0] != 1 {
		t.Errorf("SearchData.All = %v, want [1]", n)
	}
}
