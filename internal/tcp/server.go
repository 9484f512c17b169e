// Package tcp serves the chat protocol over stream connections using the
// CRLF text encoding.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/andy6609/chatd/internal/chat"
	"github.com/andy6609/chatd/internal/metrics"
	"github.com/andy6609/chatd/internal/protocol"
)

const transport = "tcp"

type Config struct {
	Addr string
	// MaxFrame bounds one text frame, excluding the CRLF.
	MaxFrame   int
	OutboxSize int
	// AcceptRate caps accepted connections per second; 0 disables.
	AcceptRate int
	// SessionRate caps inbound frames per second per connection; 0 disables.
	SessionRate  float64
	SessionBurst int
}

type Server struct {
	cfg    Config
	auth   *chat.Auth
	rooms  *chat.Rooms
	logger *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group

	mu       sync.Mutex
	sessions map[string]*chat.Session
	closing  bool
	stopOnce sync.Once
}

func NewServer(cfg Config, auth *chat.Auth, rooms *chat.Rooms, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = 4096
	}
	return &Server{
		cfg:      cfg,
		auth:     auth,
		rooms:    rooms,
		logger:   logger.With("transport", transport),
		sessions: make(map[string]*chat.Session),
	}
}

// Start binds the listener and begins accepting. A bind failure is returned
// before any goroutine starts.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.group.Go(func() error {
		s.acceptLoop(ln)
		return nil
	})

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, says BYE to every live session and waits for the
// connection goroutines until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")
		s.listener.Close()

		s.mu.Lock()
		s.closing = true
		live := make([]*chat.Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			live = append(live, sess)
		}
		s.mu.Unlock()

		for _, sess := range live {
			sess.Shutdown()
		}
		s.cancel()
	})

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tcp shutdown: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	limiter := ratelimit.NewUnlimited()
	if s.cfg.AcceptRate > 0 {
		limiter = ratelimit.New(s.cfg.AcceptRate)
	}

	for {
		limiter.Take()
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.group.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With("remote", remote)

	out := newConnWriter(conn, s.cfg.OutboxSize, logger)
	sess := chat.NewSession(chat.SessionConfig{
		Remote:    remote,
		Transport: transport,
		Auth:      s.auth,
		Rooms:     s.rooms,
		Outbox:    out,
		Logger:    s.logger,
	})
	go out.run(sess.Terminate)

	if !s.register(sess) {
		sess.Terminate()
		<-out.Done()
		return
	}
	defer s.unregister(sess)

	logger.Info("client connected")
	metrics.ConnectedSessions.WithLabelValues(transport).Inc()
	defer metrics.ConnectedSessions.WithLabelValues(transport).Dec()

	var limiter *rate.Limiter
	if s.cfg.SessionRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.SessionRate), max(s.cfg.SessionBurst, 1))
	}

	s.readLoop(conn, sess, limiter, logger)

	sess.Terminate()
	<-out.Done()
	logger.Info("client disconnected")
}

func (s *Server) readLoop(conn net.Conn, sess *chat.Session, limiter *rate.Limiter, logger *slog.Logger) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 1024), s.cfg.MaxFrame+2)
	sc.Split(protocol.ScanCRLF)

	for sc.Scan() {
		if limiter != nil {
			if err := limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		m, err := protocol.DecodeText(sc.Text())
		if err != nil {
			logger.Info("RECV", "type", "invalid", "error", err)
			sess.Violation(err)
			return
		}
		logger.Info("RECV", "type", m.Type.String())

		sess.Handle(m)
		if sess.State() == chat.StateTerminated {
			return
		}
	}

	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			sess.Violation(fmt.Errorf("frame exceeds %d bytes: %w", s.cfg.MaxFrame, protocol.ErrMalformed))
			return
		}
		if sess.State() != chat.StateTerminated {
			logger.Debug("read failed", "error", err)
		}
	}
}

func (s *Server) register(sess *chat.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.ID()] = sess
	return true
}

func (s *Server) unregister(sess *chat.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID())
}
