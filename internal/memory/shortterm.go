package memory

import (
	"sync"
	"time"
)

// ShortTermEntry is one recent conversational turn held in the rolling buffer.
type ShortTermEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// window is a fixed-size ring of entries in arrival order.
type window struct {
	entries []ShortTermEntry
	next    int
	filled  bool
}

// ShortTermBuffer keeps the last N entries per session in strict arrival
// order. Pure FIFO: no scoring, oldest dropped first. The buffer owns the
// per-session serialization of appends; snapshots are consistent
// point-in-time views.
type ShortTermBuffer struct {
	mu       sync.RWMutex
	capacity int
	sessions map[string]*window
}

func NewShortTermBuffer(capacity int) *ShortTermBuffer {
	if capacity <= 0 {
		capacity = 12
	}
	return &ShortTermBuffer{
		capacity: capacity,
		sessions: make(map[string]*window),
	}
}

func (b *ShortTermBuffer) Append(sessionID string, entry ShortTermEntry) {
	if sessionID == "" {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.sessions[sessionID]
	if !ok {
		w = &window{entries: make([]ShortTermEntry, b.capacity)}
		b.sessions[sessionID] = w
	}
	w.entries[w.next] = entry
	w.next++
	if w.next >= len(w.entries) {
		w.next = 0
		w.filled = true
	}
}

// Snapshot returns up to capacity entries in chronological order. An unknown
// session yields an empty slice, not an error.
func (b *ShortTermBuffer) Snapshot(sessionID string) []ShortTermEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	w, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}

	if !w.filled {
		out := make([]ShortTermEntry, w.next)
		copy(out, w.entries[:w.next])
		return out
	}
	out := make([]ShortTermEntry, 0, len(w.entries))
	out = append(out, w.entries[w.next:]...)
	out = append(out, w.entries[:w.next]...)
	return out
}

// Drop discards a session's window, e.g. when the session expires.
func (b *ShortTermBuffer) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Sessions returns the number of sessions currently holding entries.
func (b *ShortTermBuffer) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}
