// Package server maintains the shared bounded history of accepted chat
// messages that is replayed to newly authenticated clients.
package server

import "sync"

// History is a bounded, ordered buffer of accepted chat messages, stored
// newest-first. It is shared by every session and all operations are
// mutually exclusive; callers must not assume atomicity across two calls.
type History struct {
	mu       sync.Mutex
	messages []ChatMessage
	maxSize  int
}

// NewHistory creates an empty history bounded at maxSize entries. A
// non-positive bound falls back to the default of 100.
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = defaultHistoryLimit
	}
	return &History{
		messages: make([]ChatMessage, 0, maxSize),
		maxSize:  maxSize,
	}
}

// PushFront inserts a message as the newest entry, evicting the oldest
// entries until the bound holds again. len() <= maxSize is an invariant
// after every call.
func (h *History) PushFront(msg ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append([]ChatMessage{msg}, h.messages...)
	if len(h.messages) > h.maxSize {
		h.messages = h.messages[:h.maxSize]
	}
}

// RemoveByID removes the first message with the given id and reports
// whether anything was removed. The store is left unchanged when the id
// is absent.
func (h *History) RemoveByID(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, msg := range h.messages {
		if msg.ID == id {
			h.messages = append(h.messages[:i], h.messages[i+1:]...)
			return true
		}
	}
	return false
}

// SnapshotOldestFirst returns a defensive copy of the current contents
// ordered oldest to newest, the order in which they are replayed to a
// newly connected client.
func (h *History) SnapshotOldestFirst() []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := make([]ChatMessage, len(h.messages))
	for i, msg := range h.messages {
		snapshot[len(h.messages)-1-i] = msg
	}
	return snapshot
}

// Len returns the current number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}
