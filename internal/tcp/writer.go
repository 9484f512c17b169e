package tcp

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/andy6609/chatd/internal/metrics"
	"github.com/andy6609/chatd/internal/protocol"
)

const writeTimeout = 10 * time.Second

// connWriter is the stream Outbox: messages are queued in order and written
// by a single goroutine. Closing the writer lets it flush what is queued and
// then close the connection.
type connWriter struct {
	conn   net.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan protocol.Message

	done chan struct{}
}

func newConnWriter(conn net.Conn, size int, logger *slog.Logger) *connWriter {
	if size <= 0 {
		size = 64
	}
	return &connWriter{
		conn:   conn,
		logger: logger,
		queue:  make(chan protocol.Message, size),
		done:   make(chan struct{}),
	}
}

// Post enqueues m without blocking. It reports false when the queue is full
// or the writer is closed.
func (w *connWriter) Post(m protocol.Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	select {
	case w.queue <- m:
		return true
	default:
		return false
	}
}

func (w *connWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	close(w.queue)
}

// run drains the queue until Close. After the first failed write the rest of
// the queue is discarded and onError is called once.
func (w *connWriter) run(onError func()) {
	defer close(w.done)
	defer w.conn.Close()

	bw := bufio.NewWriter(w.conn)
	failed := false
	for m := range w.queue {
		if failed {
			continue
		}
		b, err := protocol.EncodeText(m)
		if err != nil {
			w.logger.Error("encode failed", "type", m.Type.String(), "error", err)
			continue
		}

		_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err = bw.Write(b); err == nil {
			err = bw.Flush()
		}
		if err != nil {
			w.logger.Warn("write failed", "error", err)
			failed = true
			onError()
			continue
		}

		metrics.MessagesTotal.WithLabelValues("out", m.Type.String()).Inc()
		w.logger.Info("SENT", "type", m.Type.String())
	}
}

func (w *connWriter) Done() <-chan struct{} {
	return w.done
}
