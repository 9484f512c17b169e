package udp

import (
	"sync"

	"github.com/andy6609/chatd/internal/protocol"
)

// outbox is the datagram Outbox. The peer's delivery loop drains it through
// the reliable sender, one message at a time.
type outbox struct {
	mu     sync.Mutex
	closed bool
	queue  chan protocol.Message
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = 64
	}
	return &outbox{queue: make(chan protocol.Message, size)}
}

func (o *outbox) Post(m protocol.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	select {
	case o.queue <- m:
		return true
	default:
		return false
	}
}

func (o *outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.queue)
}
