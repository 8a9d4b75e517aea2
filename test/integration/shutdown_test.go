// Package integration verifies graceful shutdown of the HTTP server and
// the hub, including cleanup of live sessions and their timers.
package integration

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexbay/trollbox/internal/server"
	"github.com/hexbay/trollbox/test/testhelpers"
)

func TestHubShutdownClosesLiveConnections(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	conn := testhelpers.Dial(t, ts, testhelpers.UserToken(t, "alice", 1, "user"))
	readReplay(t, conn)

	require.NoError(t, server.GetHub().Shutdown(2*time.Second))

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "Client connection should be closed by hub shutdown")
}

func TestHubShutdownIsIdempotent(t *testing.T) {
	testhelpers.StartServer(t, nil)

	require.NoError(t, server.GetHub().Shutdown(2*time.Second))
	require.NoError(t, server.GetHub().Shutdown(2*time.Second))
}

func TestCreateServerAppliesTimeouts(t *testing.T) {
	srv := server.CreateServer(":0", http.NewServeMux())

	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}

func TestShutdownServerStopsListener(t *testing.T) {
	srv := server.CreateServer("127.0.0.1:0", http.NewServeMux())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(srv)
	}()

	// Give the listener a moment to come up before shutting it down.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, server.ShutdownServer(srv, 2*time.Second))

	select {
	case err := <-serverErr:
		assert.True(t, errors.Is(err, http.ErrServerClosed), "got: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartServer did not return after shutdown")
	}
}
