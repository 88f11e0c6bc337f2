// Package store holds the server's shared in-memory state: the message
// history and the presence directory. Both are scoped to the process
// lifetime and guarded by their own lock; callers only see atomic
// operations.
package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lugchat/lugchat/pkg/protocol"
)

// Entry is one accepted envelope plus the server receipt time used for
// ordering and range queries. Sender-supplied timestamps are not trusted
// for either.
type Entry struct {
	// Raw is the envelope line exactly as accepted off the wire. Relay
	// fan-out and history responses replay these bytes verbatim.
	Raw        json.RawMessage
	Data       *protocol.MessageData
	ReceivedAt int64 // server receipt, milliseconds
}

// History is the append-only record of accepted (verified) envelopes,
// ordered by receipt time.
type History struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewHistory() *History {
	return &History{}
}

// Append records an accepted envelope, stamping the receipt time while
// holding the lock so append order and receipt order coincide. raw is
// copied. Returns the receipt time.
func (h *History) Append(raw []byte, data *protocol.MessageData) int64 {
	cp := make([]byte, len(raw))
	copy(cp, raw)

	h.mu.Lock()
	defer h.mu.Unlock()
	receivedAt := time.Now().UnixMilli()
	h.entries = append(h.entries, Entry{Raw: cp, Data: data, ReceivedAt: receivedAt})
	return receivedAt
}

// appendAt records with a caller-supplied receipt time.
func (h *History) appendAt(raw []byte, data *protocol.MessageData, receivedAt int64) {
	cp := make([]byte, len(raw))
	copy(cp, raw)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, Entry{Raw: cp, Data: data, ReceivedAt: receivedAt})
}

// Range returns the raw envelopes whose receipt time falls within
// [start, end], inclusive on both bounds.
func (h *History) Range(start, end int64) []json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]json.RawMessage, 0)
	for _, e := range h.entries {
		if e.ReceivedAt >= start && e.ReceivedAt <= end {
			out = append(out, e.Raw)
		}
	}
	return out
}

// Bounds returns the oldest and latest receipt times, (0, 0) when empty.
func (h *History) Bounds() (oldest, latest int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.entries) == 0 {
		return 0, 0
	}
	return h.entries[0].ReceivedAt, h.entries[len(h.entries)-1].ReceivedAt
}

// Len returns the number of recorded envelopes.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
