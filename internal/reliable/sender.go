package reliable

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/andy6609/chatd/internal/metrics"
	"github.com/andy6609/chatd/internal/protocol"
)

// ErrNotConfirmed is returned when every attempt went unacknowledged.
var ErrNotConfirmed = errorString("message not confirmed")

type errorString string

func (e errorString) Error() string { return string(e) }

// WriteFunc transmits one encoded datagram.
type WriteFunc func([]byte) error

// Sender numbers outgoing messages and sends them until confirmed.
// Concurrent Send calls are allowed; each waits for its own id.
type Sender struct {
	tracker *Tracker
	write   WriteFunc
	timeout time.Duration
	retries int
	next    atomic.Uint32
}

func NewSender(tracker *Tracker, write WriteFunc, timeout time.Duration, maxRetransmissions int) *Sender {
	if maxRetransmissions < 0 {
		maxRetransmissions = 0
	}
	return &Sender{
		tracker: tracker,
		write:   write,
		timeout: timeout,
		retries: maxRetransmissions,
	}
}

// NextID returns the next outgoing message id. Ids wrap at 16 bits.
func (s *Sender) NextID() uint16 {
	return uint16(s.next.Add(1) - 1)
}

// Send assigns m the next id, transmits it and waits for its CONFIRM,
// retransmitting the same bytes after each timeout. It makes at most
// 1+maxRetransmissions attempts and returns the id used.
func (s *Sender) Send(ctx context.Context, m protocol.Message) (uint16, error) {
	m.ID = s.NextID()
	b, err := protocol.EncodeBinary(m)
	if err != nil {
		return m.ID, err
	}

	confirmed := s.tracker.Expect(m.ID)
	defer s.tracker.Forget(m.ID)

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			metrics.Retransmissions.Inc()
		}
		if err := s.write(b); err != nil {
			return m.ID, fmt.Errorf("write %s id=%d: %w", m.Type, m.ID, err)
		}
		if s.wait(ctx, confirmed) {
			return m.ID, nil
		}
		if err := ctx.Err(); err != nil {
			return m.ID, err
		}
	}

	metrics.DeliveryFailures.Inc()
	return m.ID, fmt.Errorf("%s id=%d after %d attempts: %w", m.Type, m.ID, s.retries+1, ErrNotConfirmed)
}

func (s *Sender) wait(ctx context.Context, confirmed <-chan struct{}) bool {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-confirmed:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Confirm sends an unnumbered acknowledgement for id.
func Confirm(write WriteFunc, id uint16) error {
	b, err := protocol.EncodeBinary(protocol.Confirm(id))
	if err != nil {
		return err
	}
	return write(b)
}
