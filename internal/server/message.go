// Package server defines the wire payload types exchanged between trollbox
// clients and the relay.
package server

import (
	"encoding/json"
	"strings"
)

// ActionType tags the kind of chat action carried in a payload.
type ActionType int

// Wire values for ActionType. These are part of the JSON protocol and must
// not be renumbered.
const (
	ActionPost   ActionType = 0
	ActionDelete ActionType = 1
)

// ChatMessage is one accepted chat entry. The id is assigned by the server
// at acceptance time, never by the client, and the author fields are always
// rewritten from the authenticated session before the message is stored or
// relayed.
type ChatMessage struct {
	ID         string `json:"id"`
	AuthorName string `json:"author_name"`
	AuthorUID  uint32 `json:"author_uid"`
	AuthorRole string `json:"author_role"`
	Text       string `json:"text"`
	Timestamp  uint64 `json:"timestamp"`
}

// ChatAction is the only application-level payload accepted after the
// handshake: a post or delete, plus the message it applies to.
type ChatAction struct {
	Action  ActionType  `json:"action"`
	Message ChatMessage `json:"message"`
}

// errorPayload is the application-level error surfaced to a client before
// its connection is closed, e.g. on an authorization failure.
type errorPayload struct {
	Error string `json:"error"`
}

func errorJSON(reason string) []byte {
	payload, err := json.Marshal(errorPayload{Error: reason})
	if err != nil {
		return []byte(`{"error": "internal error"}`)
	}
	return payload
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
