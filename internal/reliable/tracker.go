package reliable

import "sync"

// Tracker holds the ids a session is waiting to see confirmed.
type Tracker struct {
	mu      sync.Mutex
	waiting map[uint16]chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{waiting: make(map[uint16]chan struct{})}
}

// Expect registers id and returns a channel closed when it is confirmed.
// Register before the first transmission; a confirm for an id nobody expects
// is discarded.
func (t *Tracker) Expect(id uint16) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.waiting[id]; ok {
		return ch
	}
	ch := make(chan struct{})
	t.waiting[id] = ch
	return ch
}

// Confirm resolves the wait for id. It reports whether anyone was waiting.
func (t *Tracker) Confirm(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.waiting[id]
	if !ok {
		return false
	}
	close(ch)
	delete(t.waiting, id)
	return true
}

// Forget drops id without resolving it.
func (t *Tracker) Forget(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiting, id)
}

// Pending returns how many ids are awaiting confirmation.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}
