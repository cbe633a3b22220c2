package imapclient_test

import (
	"crypto/tls"
	"testing"

	"github.com/inboxkit/imapcore/imapclient"
)

func TestStartTLS(t *testing.T) {
	conn, server := newScriptedServer(t, false)
	defer conn.Close()
	defer server.Close()

	options := imapclient.Options{
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	}
	client, err := imapclient.NewStartTLS(conn, &options)
	if err != nil {
		t.Fatalf("NewStartTLS() = %v", err)
	}
	defer client.Close()

	if err := client.Noop().Wait(); err != nil {
		t.Fatalf("Noop().Wait() = %v", err)
	}
}
