// Package testhelpers provides common utilities for testing the trollbox
// relay: test server lifecycle, token minting, and WebSocket dialing and
// read helpers shared across the integration tests.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hexbay/trollbox/internal/server"
)

// Secret is the shared credential secret used by the integration tests.
const Secret = "integration-secret"

// StartServer configures the relay, starts the hub, and returns a running
// test server. The configuration starts from defaults with the test secret
// applied; customize may adjust it further. Cleanup tears down the server,
// the hub, and the global configuration.
func StartServer(t *testing.T, customize func(cfg *server.Config)) *httptest.Server {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Secret = Secret
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)
	server.StartHub()

	ts := httptest.NewServer(server.SetupRoutes())
	t.Cleanup(func() {
		ts.Close()
		if err := server.GetHub().Shutdown(2 * time.Second); err != nil {
			t.Logf("Hub shutdown: %v", err)
		}
		server.SetConfig(nil)
	})
	return ts
}

// MintToken signs the given credentials with the test secret and returns
// the wire token.
func MintToken(t *testing.T, creds server.Credentials) string {
	t.Helper()
	return server.NewTokenVerifier(Secret).MintToken(creds)
}

// UserToken mints a fresh token for the given identity, issued now.
func UserToken(t *testing.T, username string, uid uint32, role string) string {
	t.Helper()
	return MintToken(t, server.Credentials{
		Timestamp: uint64(time.Now().Unix()),
		Username:  username,
		UID:       uid,
		Role:      role,
	})
}

// WSURL converts a test server URL into the WebSocket endpoint URL,
// appending the token query when a token is given.
func WSURL(ts *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// Dial opens a WebSocket connection to the relay with the given token.
// The connection is closed automatically at test cleanup.
func Dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(WSURL(ts, token), nil)
	if err != nil {
		t.Fatalf("Failed to dial WebSocket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialWithOrigin opens a WebSocket connection carrying an Origin header,
// returning the dial error so origin rejection can be asserted.
func DialWithOrigin(ts *httptest.Server, token, origin string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Origin", origin)
	conn, resp, err := websocket.DefaultDialer.Dial(WSURL(ts, token), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReadRaw reads the next text frame within the timeout.
func ReadRaw(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return payload
}

// ExpectClose waits for the connection to be closed with the given code.
func ExpectClose(t *testing.T, conn *websocket.Conn, code int, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected connection close with code %d, got a message", code)
	}
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("Expected close code %d, got error: %v", code, err)
	}
}

// ExpectNoMessage asserts that nothing arrives within the timeout and that
// the connection stays open.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received one")
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}
