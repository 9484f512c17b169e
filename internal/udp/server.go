// Package udp serves the chat protocol over datagrams using the binary
// encoding, with per-message confirmation, retransmission and duplicate
// suppression.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/andy6609/chatd/internal/chat"
	"github.com/andy6609/chatd/internal/metrics"
	"github.com/andy6609/chatd/internal/protocol"
	"github.com/andy6609/chatd/internal/reliable"
)

const (
	transport     = "udp"
	maxDatagram   = 65535
	inboundBuffer = 64
)

type Config struct {
	Addr string
	// Timeout is how long one transmission waits for its CONFIRM.
	Timeout            time.Duration
	MaxRetransmissions int
	HistorySize        int
	OutboxSize         int
	// AdmitRate caps new endpoints per second; 0 disables.
	AdmitRate  float64
	AdmitBurst int
	// SessionRate caps inbound datagrams per second per endpoint; 0 disables.
	SessionRate  float64
	SessionBurst int
}

// Server owns one socket and routes datagrams to a peer per remote endpoint.
type Server struct {
	cfg    Config
	auth   *chat.Auth
	rooms  *chat.Rooms
	logger *slog.Logger
	admit  *rate.Limiter

	conn     *net.UDPConn
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	readDone chan struct{}
	quit     chan struct{}

	mu       sync.Mutex
	peers    map[string]*peer
	closing  bool
	stopOnce sync.Once
}

func NewServer(cfg Config, auth *chat.Auth, rooms *chat.Rooms, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = reliable.DefaultHistorySize
	}
	s := &Server{
		cfg:    cfg,
		auth:   auth,
		rooms:  rooms,
		logger: logger.With("transport", transport),
		peers:  make(map[string]*peer),
		quit:   make(chan struct{}),
	}
	if cfg.AdmitRate > 0 {
		s.admit = rate.NewLimiter(rate.Limit(cfg.AdmitRate), max(cfg.AdmitBurst, 1))
	}
	return s
}

// Start binds the socket and begins reading. A bind failure is returned
// before any goroutine starts.
func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("udp resolve %s: %w", s.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp listen %s: %w", s.cfg.Addr, err)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.readDone = make(chan struct{})

	go s.readLoop()

	s.logger.Info("server started", "addr", conn.LocalAddr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Shutdown refuses new endpoints, says BYE to every live session and waits
// for the farewells to be confirmed or ctx to end. The socket is closed last.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")
		close(s.quit)

		s.mu.Lock()
		s.closing = true
		live := make([]*peer, 0, len(s.peers))
		for _, p := range s.peers {
			live = append(live, p)
		}
		s.mu.Unlock()

		for _, p := range live {
			p.session.Shutdown()
		}
	})

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("udp shutdown: %w", ctx.Err())
		s.cancel()
		<-done
	}

	s.conn.Close()
	<-s.readDone

	if err == nil {
		s.logger.Info("shutdown complete")
	}
	return err
}

func (s *Server) readLoop() {
	defer close(s.readDone)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("read failed", "error", err)
			continue
		}
		s.dispatch(addr, append([]byte(nil), buf[:n]...))
	}
}

// dispatch hands data to the endpoint's peer. Only an AUTH datagram may
// introduce a new endpoint; anything else from an unknown endpoint is dropped.
func (s *Server) dispatch(addr *net.UDPAddr, data []byte) {
	key := addr.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[key]
	if ok && p.replacedBy(data) {
		delete(s.peers, key)
		ok = false
	}
	if !ok {
		if s.closing || len(data) == 0 || protocol.Type(data[0]) != protocol.TypeAuth {
			s.logger.Debug("datagram from unknown endpoint dropped", "remote", key)
			return
		}
		if s.admit != nil && !s.admit.Allow() {
			s.logger.Warn("endpoint admission refused", "remote", key)
			return
		}
		p = s.newPeerLocked(addr)
	}

	select {
	case p.inbound <- data:
	default:
		s.logger.Warn("inbound queue full, datagram dropped", "remote", key)
	}
}

func (s *Server) newPeerLocked(addr *net.UDPAddr) *peer {
	key := addr.String()
	logger := s.logger.With("remote", key)

	p := &peer{
		key:     key,
		addr:    addr,
		logger:  logger,
		tracker: reliable.NewTracker(),
		history: reliable.NewHistory[uint16](s.cfg.HistorySize),
		conn:    s.conn,
		inbound: make(chan []byte, inboundBuffer),
		out:     newOutbox(s.cfg.OutboxSize),
	}
	p.sender = reliable.NewSender(p.tracker, p.write, s.cfg.Timeout, s.cfg.MaxRetransmissions)
	if s.cfg.SessionRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.SessionRate), max(s.cfg.SessionBurst, 1))
	}
	p.session = chat.NewSession(chat.SessionConfig{
		Remote:    key,
		Transport: transport,
		Auth:      s.auth,
		Rooms:     s.rooms,
		Outbox:    p.out,
		Logger:    s.logger,
	})
	s.peers[key] = p

	metrics.ConnectedSessions.WithLabelValues(transport).Inc()
	logger.Info("client connected")

	s.group.Go(func() error {
		p.receiveLoop()
		return nil
	})
	s.group.Go(func() error {
		p.deliverLoop(s.ctx)
		s.linger()
		s.unregister(p)
		return nil
	})
	return p
}

// linger keeps a finished peer registered for one full retry budget, so
// retransmissions of the client's last messages are still confirmed.
func (s *Server) linger() {
	t := time.NewTimer(time.Duration(1+s.cfg.MaxRetransmissions) * s.cfg.Timeout)
	defer t.Stop()

	select {
	case <-t.C:
	case <-s.quit:
	case <-s.ctx.Done():
	}
}

// unregister forgets p and stops its receive loop.
func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peers[p.key] == p {
		delete(s.peers, p.key)
	}
	close(p.inbound)

	metrics.ConnectedSessions.WithLabelValues(transport).Dec()
	p.logger.Info("client disconnected")
}
