package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyMessage(id string) ChatMessage {
	return ChatMessage{
		ID:         id,
		AuthorName: "alice",
		AuthorUID:  7,
		AuthorRole: "user",
		Text:       "message " + id,
	}
}

func TestHistoryBoundHoldsAfterEveryPush(t *testing.T) {
	h := NewHistory(3)

	for i := 0; i < 10; i++ {
		h.PushFront(historyMessage(fmt.Sprintf("m%d", i)))
		assert.LessOrEqual(t, h.Len(), 3)
	}
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := NewHistory(2)

	h.PushFront(historyMessage("m1"))
	h.PushFront(historyMessage("m2"))
	h.PushFront(historyMessage("m3"))

	snapshot := h.SnapshotOldestFirst()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "m2", snapshot[0].ID)
	assert.Equal(t, "m3", snapshot[1].ID)
}

func TestHistorySnapshotIsOldestFirst(t *testing.T) {
	h := NewHistory(10)

	h.PushFront(historyMessage("m1"))
	h.PushFront(historyMessage("m2"))
	h.PushFront(historyMessage("m3"))

	snapshot := h.SnapshotOldestFirst()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "m1", snapshot[0].ID)
	assert.Equal(t, "m2", snapshot[1].ID)
	assert.Equal(t, "m3", snapshot[2].ID)
}

func TestHistorySnapshotIsDefensiveCopy(t *testing.T) {
	h := NewHistory(10)
	h.PushFront(historyMessage("m1"))

	snapshot := h.SnapshotOldestFirst()
	snapshot[0].Text = "mutated"

	fresh := h.SnapshotOldestFirst()
	assert.Equal(t, "message m1", fresh[0].Text)
}

func TestHistoryRemoveByID(t *testing.T) {
	h := NewHistory(10)
	h.PushFront(historyMessage("m1"))
	h.PushFront(historyMessage("m2"))

	assert.True(t, h.RemoveByID("m1"))
	assert.Equal(t, 1, h.Len())

	snapshot := h.SnapshotOldestFirst()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "m2", snapshot[0].ID)
}

func TestHistoryRemoveByIDAbsent(t *testing.T) {
	h := NewHistory(10)
	h.PushFront(historyMessage("m1"))

	assert.False(t, h.RemoveByID("missing"))
	assert.Equal(t, 1, h.Len())
}

func TestHistoryRemoveByIDRemovesExactlyOne(t *testing.T) {
	h := NewHistory(10)
	// Duplicate ids cannot be produced by the server, but removal must
	// still only touch the first match.
	h.PushFront(historyMessage("dup"))
	h.PushFront(historyMessage("dup"))

	assert.True(t, h.RemoveByID("dup"))
	assert.Equal(t, 1, h.Len())
}

func TestHistoryDefaultBound(t *testing.T) {
	h := NewHistory(0)

	for i := 0; i < 150; i++ {
		h.PushFront(historyMessage(fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, defaultHistoryLimit, h.Len())
}
