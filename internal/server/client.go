// Package server drives the per-connection session state machine: handshake
// authentication, action authorization and routing, liveness timers, and the
// read/write pumps for each WebSocket connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds every write to the peer, including control frames.
const writeWait = 10 * time.Second

// SessionState is the lifecycle state of a connection session.
type SessionState int

// Session lifecycle. There is no transition out of StateClosed.
const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateClosed
)

// Client represents one trollbox session. It owns the WebSocket connection,
// the authenticated credentials once the handshake succeeds, and the
// session's keepalive timers. State transitions happen on the handler
// goroutine (handshake) strictly before the pumps start, and on the read
// pump afterwards, so the state field needs no extra locking.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	state          SessionState
	credentials    *SignedCredentials
	keepAlive      *KeepAlive
	closeOnExpire  bool
	expireInterval time.Duration
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a session in StateConnecting for the given connection.
// The send channel is buffered so the history replay and early broadcasts
// can be queued before the pumps start.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		closed:         false,
		state:          StateConnecting,
		closeOnExpire:  cfg.CloseOnExpire,
		expireInterval: cfg.ExpireInterval,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
	c.keepAlive = NewKeepAlive(cfg.PingInterval, cfg.ExpireInterval, c.sendPing, c.handleExpire)
	return c
}

// GetSendChan returns the client's send channel for reading outgoing payloads.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// State returns the session's current lifecycle state.
func (c *Client) State() SessionState {
	return c.state
}

// Authenticate pins verified credentials to the session, moves it to
// StateAuthenticated, and arms the ping and expire timers. Must be called
// before the session is registered with the hub.
func (c *Client) Authenticate(sc SignedCredentials) {
	c.credentials = &sc
	c.state = StateAuthenticated
	c.keepAlive.Start()
}

// sendPing emits a liveness probe whose payload is the current wall-clock
// time in nanoseconds, so the echoed pong yields a round-trip measurement.
// Runs on a timer goroutine; WriteControl is safe concurrently with the
// write pump.
func (c *Client) sendPing() {
	if c.conn == nil {
		return
	}
	payload := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := c.conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing ping to %s: %v", c.addr, err)
		}
	}
}

// handleExpire fires when nothing has been received for the expire interval.
// The connection is only dropped when CloseOnExpire is configured; the
// historical protocol behavior logs and re-arms without disconnecting.
func (c *Client) handleExpire() {
	log.Printf("Keepalive expired for %s: nothing received in %s", c.addr, c.expireInterval)
	if !c.closeOnExpire || c.conn == nil {
		return
	}

	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "keepalive expired")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error writing close to %s: %v", c.addr, err)
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error closing expired connection from %s: %v", c.addr, err)
	}
}

// setupReadConnection installs the pong handler. A pong carrying the echoed
// ping timestamp yields the round-trip time; a malformed pong is logged and
// ignored. Either way the expire timer is re-armed.
func (c *Client) setupReadConnection() {
	c.conn.SetPongHandler(func(appData string) error {
		if sent, err := strconv.ParseInt(appData, 10, 64); err == nil {
			rtt := time.Duration(time.Now().UnixNano() - sent)
			log.Printf("Pong from %s, RTT %.3fms", c.addr, float64(rtt.Nanoseconds())/1e6)
		} else {
			log.Printf("Received bad pong from %s", c.addr)
		}
		c.keepAlive.Extend()
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Payload from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Session %s disconnected: %v", c.addr, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Session %s connection closed: %v", c.addr, err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", c.addr, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", c.addr, err)
	return true
}

// checkRateLimit verifies if the session has exceeded its action rate limit
// and returns true if the action should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		log.Printf("Rate limit exceeded for %s (%d actions per %s); discarding action", c.addr, c.rateLimit.Burst, c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// handleAction interprets one inbound payload as a ChatAction, enforcing
// the session state machine. Returns false when the connection must close.
func (c *Client) handleAction(raw []byte) bool {
	if c.state != StateAuthenticated {
		log.Printf("Action from %s before authentication; closing", c.addr)
		return false
	}

	var action ChatAction
	if err := json.Unmarshal(raw, &action); err != nil {
		log.Printf("Undecodable action from %s: %v", c.addr, err)
		return false
	}

	switch action.Action {
	case ActionPost:
		return c.handlePost(action)
	case ActionDelete:
		return c.handleDelete(action, raw)
	default:
		log.Printf("Unknown action type %d from %s", action.Action, c.addr)
		return false
	}
}

// handlePost authorizes and finalizes a post. The client-sent author fields
// must match the session credentials; the stored message then has its id
// assigned server-side and every author field rewritten from the session,
// so the role (and anything else identity-derived) is never trusted from
// the wire.
func (c *Client) handlePost(action ChatAction) bool {
	creds := c.credentials.Credentials
	if action.Message.AuthorName != creds.Username || action.Message.AuthorUID != creds.UID {
		return c.rejectAction("No permission to post as this author")
	}

	msg := action.Message
	msg.ID = uuid.NewString()
	msg.AuthorName = creds.Username
	msg.AuthorUID = creds.UID
	msg.AuthorRole = creds.Role

	out := ChatAction{Action: ActionPost, Message: msg}
	payload, err := json.Marshal(out)
	if err != nil {
		log.Printf("Error serializing post from %s: %v", c.addr, err)
		return false
	}

	c.hub.broadcast <- BroadcastMessage{Action: out, Payload: payload}
	return true
}

// handleDelete authorizes a delete for moderator and admin sessions. The
// client's action is broadcast verbatim; removal of an unknown id is not an
// error since the broadcast is informational.
func (c *Client) handleDelete(action ChatAction, raw []byte) bool {
	role := c.credentials.Credentials.Role
	if role != "mod" && role != "admin" {
		return c.rejectAction("No permission to delete this post")
	}

	c.hub.broadcast <- BroadcastMessage{Action: action, Payload: raw}
	return true
}

// rejectAction surfaces an authorization failure to the client as an
// application-level error payload. Matching the original protocol,
// authorization failures are connection-fatal: the error is queued for
// delivery and the read pump then closes the session. Shared state is
// never mutated by a rejected action.
func (c *Client) rejectAction(reason string) bool {
	log.Printf("Rejected action from %s: %s", c.addr, reason)
	select {
	case c.send <- errorJSON(reason):
	default:
		log.Printf("Send buffer full for %s; dropping error payload", c.addr)
	}
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.state = StateClosed
		c.keepAlive.Stop()
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		// Anything received counts as liveness.
		c.keepAlive.Extend()

		if !c.checkRateLimit() {
			continue
		}

		if !c.handleAction(rawMessage) {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.closeConnection()

	for {
		message, ok := <-c.send
		if !c.handleMessage(message, ok) {
			return
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		// Only log unexpected connection close errors
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleMessage processes outgoing payloads and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", c.addr, err)
		}
	}
	return false
}

// writeTextMessage writes a single text payload. Payloads are JSON
// documents and are never coalesced into one frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing payload to %s: %v", c.addr, err)
		}
		return false
	}
	return true
}
