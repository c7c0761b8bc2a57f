package channels

import (
	"fmt"
	"strings"
	"sync"
)

// HistoryEntry is one unaddressed group message kept for context.
type HistoryEntry struct {
	Sender string
	Text   string
	At     int64 // ms epoch
}

// GroupHistory buffers recent group messages that did not address the
// bot. When a mention finally arrives the pending entries are drained
// into the agent request so it sees the conversation leading up to it.
type GroupHistory struct {
	mu    sync.Mutex
	rings map[string][]HistoryEntry
}

func NewGroupHistory() *GroupHistory {
	return &GroupHistory{rings: map[string][]HistoryEntry{}}
}

// Add appends an entry to the conversation's ring, keeping at most
// limit entries. limit <= 0 disables history for the conversation.
func (h *GroupHistory) Add(conversation string, e HistoryEntry, limit int) {
	if limit <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := append(h.rings[conversation], e)
	if overflow := len(ring) - limit; overflow > 0 {
		ring = ring[overflow:]
	}
	h.rings[conversation] = ring
}

// Drain returns and clears the conversation's pending entries.
func (h *GroupHistory) Drain(conversation string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := h.rings[conversation]
	delete(h.rings, conversation)
	return ring
}

// FormatHistory renders drained entries as a context preamble for the
// agent request. Empty input yields an empty string.
func FormatHistory(entries []HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Recent group messages]\n")
	for _, e := range entries {
		name := e.Sender
		if name == "" {
			name = "unknown"
		}
		fmt.Fprintf(&b, "%s: %s\n", name, e.Text)
	}
	return b.String()
}
