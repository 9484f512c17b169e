// Package reliable turns an unreliable datagram channel into an
// at-least-once, deduplicated one: outgoing messages are numbered, sent and
// retransmitted until confirmed, and incoming ids are remembered in a bounded
// history so duplicates can be dropped.
package reliable

import "sync"

// DefaultHistorySize is how many inbound ids a session remembers.
const DefaultHistorySize = 200

// History is a bounded set that evicts in insertion order. It is safe for
// concurrent use.
type History[T comparable] struct {
	mu    sync.Mutex
	ring  []T
	next  int
	full  bool
	index map[T]struct{}
}

func NewHistory[T comparable](capacity int) *History[T] {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History[T]{
		ring:  make([]T, capacity),
		index: make(map[T]struct{}, capacity),
	}
}

// Add records v and reports whether it was new. Adding a value already
// present changes nothing. When the history is full the oldest value is
// evicted first.
func (h *History[T]) Add(v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.index[v]; ok {
		return false
	}
	if h.full {
		delete(h.index, h.ring[h.next])
	}
	h.ring[h.next] = v
	h.index[v] = struct{}{}
	h.next++
	if h.next == len(h.ring) {
		h.next = 0
		h.full = true
	}
	return true
}

func (h *History[T]) Contains(v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.index[v]
	return ok
}

func (h *History[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.index)
}

func (h *History[T]) Cap() int {
	return len(h.ring)
}
