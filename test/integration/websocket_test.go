// Package integration contains integration tests for the trollbox relay.
//
// These tests exercise the complete system with real HTTP servers and
// WebSocket connections: the handshake, the history replay, posting and
// deleting, and the liveness timer behavior.
package integration

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexbay/trollbox/internal/server"
	"github.com/hexbay/trollbox/test/testhelpers"
)

const readTimeout = 2 * time.Second

func readReplay(t *testing.T, conn *websocket.Conn) []server.ChatMessage {
	t.Helper()
	payload := testhelpers.ReadRaw(t, conn, readTimeout)
	var replay []server.ChatMessage
	require.NoError(t, json.Unmarshal(payload, &replay), "replay payload: %s", payload)
	return replay
}

func readAction(t *testing.T, conn *websocket.Conn) server.ChatAction {
	t.Helper()
	payload := testhelpers.ReadRaw(t, conn, readTimeout)
	var action server.ChatAction
	require.NoError(t, json.Unmarshal(payload, &action), "action payload: %s", payload)
	return action
}

func postMessage(t *testing.T, conn *websocket.Conn, author string, uid uint32, text string) {
	t.Helper()
	err := conn.WriteJSON(server.ChatAction{
		Action: server.ActionPost,
		Message: server.ChatMessage{
			AuthorName: author,
			AuthorUID:  uid,
			Text:       text,
			Timestamp:  100,
		},
	})
	require.NoError(t, err)
}

func TestHandshakeRequiresToken(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(testhelpers.WSURL(ts, ""), nil)
	require.NoError(t, err, "upgrade succeeds; the close comes afterwards")
	defer func() { _ = conn.Close() }()

	testhelpers.ExpectClose(t, conn, websocket.CloseInvalidFramePayloadData, readTimeout)
}

func TestHandshakeRejectsGarbageToken(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	conn := testhelpers.Dial(t, ts, "this-is-not-base64!!!")
	testhelpers.ExpectClose(t, conn, websocket.CloseInvalidFramePayloadData, readTimeout)
}

func TestHandshakeRejectsNonJSONToken(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	token := base64.RawURLEncoding.EncodeToString([]byte("not json at all"))
	conn := testhelpers.Dial(t, ts, token)
	testhelpers.ExpectClose(t, conn, websocket.CloseInvalidFramePayloadData, readTimeout)
}

func TestHandshakeRejectsExpiredToken(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	token := testhelpers.MintToken(t, server.Credentials{
		Timestamp: uint64(time.Now().Add(-7 * time.Hour).Unix()),
		Username:  "alice",
		UID:       1,
		Role:      "user",
	})
	conn := testhelpers.Dial(t, ts, token)
	testhelpers.ExpectClose(t, conn, websocket.ClosePolicyViolation, readTimeout)
}

func TestHandshakeRejectsForeignSignature(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	foreign := server.NewTokenVerifier("some-other-secret")
	token := foreign.MintToken(server.Credentials{
		Timestamp: uint64(time.Now().Unix()),
		Username:  "alice",
		UID:       1,
		Role:      "user",
	})
	conn := testhelpers.Dial(t, ts, token)
	testhelpers.ExpectClose(t, conn, websocket.ClosePolicyViolation, readTimeout)
}

func TestReplayIsEmptyOnFreshServer(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	conn := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "alice", 1, "user"))
	replay := readReplay(t, conn)

	assert.Empty(t, replay)
}

func TestPostIsBroadcastWithServerAssignedIdentity(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	conn := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "alice", 1, "user"))
	readReplay(t, conn)

	postMessage(t, conn, "alice", 1, "hi")

	action := readAction(t, conn)
	assert.Equal(t, server.ActionPost, action.Action)
	assert.NotEmpty(t, action.Message.ID)
	assert.Equal(t, "alice", action.Message.AuthorName)
	assert.Equal(t, uint32(1), action.Message.AuthorUID)
	assert.Equal(t, "user", action.Message.AuthorRole)
	assert.Equal(t, "hi", action.Message.Text)
	assert.Equal(t, uint64(100), action.Message.Timestamp)
}

func TestNewConnectionReceivesReplayOldestFirst(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	alice := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "alice", 1, "user"))
	readReplay(t, alice)

	postMessage(t, alice, "alice", 1, "first")
	readAction(t, alice)
	postMessage(t, alice, "alice", 1, "second")
	readAction(t, alice)

	bob := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "bob", 2, "user"))
	replay := readReplay(t, bob)

	require.Len(t, replay, 2)
	assert.Equal(t, "first", replay[0].Text)
	assert.Equal(t, "second", replay[1].Text)
}

func TestHistoryBoundAppliesToReplay(t *testing.T) {
	ts := testhelpers.StartServer(t, func(cfg *server.Config) {
		cfg.HistoryLimit = 3
		cfg.RateLimit.Burst = 100
	})

	alice := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "alice", 1, "user"))
	readReplay(t, alice)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		postMessage(t, alice, "alice", 1, text)
		readAction(t, alice)
	}

	bob := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "bob", 2, "user"))
	replay := readReplay(t, bob)

	require.Len(t, replay, 3)
	assert.Equal(t, "three", replay[0].Text)
	assert.Equal(t, "five", replay[2].Text)
}

func TestServerPingsCarryTimestampPayload(t *testing.T) {
	ts := testhelpers.StartServer(t, func(cfg *server.Config) {
		cfg.PingInterval = 50 * time.Millisecond
	})

	conn := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "alice", 1, "user"))
	readReplay(t, conn)

	pings := make(chan string, 4)
	conn.SetPingHandler(func(appData string) error {
		select {
		case pings <- appData:
		default:
		}
		// Echo the payload back so the server can compute the RTT.
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	// Control frames are only processed while reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case payload := <-pings:
		nanos, err := strconv.ParseInt(payload, 10, 64)
		require.NoError(t, err, "ping payload should be integer nanoseconds: %q", payload)
		assert.Positive(t, nanos)
	case <-time.After(2 * time.Second):
		t.Fatal("No ping received from server")
	}
}

func TestQuietConnectionSurvivesExpiryByDefault(t *testing.T) {
	ts := testhelpers.StartServer(t, func(cfg *server.Config) {
		cfg.PingInterval = 30 * time.Millisecond
		cfg.ExpireInterval = 80 * time.Millisecond
	})

	conn := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "alice", 1, "user"))
	readReplay(t, conn)

	// Suppress pongs so the expire timer fires; by default firing only
	// logs and re-arms without dropping the connection.
	conn.SetPingHandler(func(string) error { return nil })

	testhelpers.ExpectNoMessage(t, conn, 300*time.Millisecond)
}

func TestCloseOnExpireDropsQuietConnections(t *testing.T) {
	ts := testhelpers.StartServer(t, func(cfg *server.Config) {
		cfg.PingInterval = 30 * time.Millisecond
		cfg.ExpireInterval = 80 * time.Millisecond
		cfg.CloseOnExpire = true
	})

	conn := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "alice", 1, "user"))
	readReplay(t, conn)

	conn.SetPingHandler(func(string) error { return nil })

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "Connection should be closed once the expiry fires")
}
