package chat

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andy6609/chatd/internal/metrics"
	"github.com/andy6609/chatd/internal/protocol"
)

type SessionConfig struct {
	Remote    string
	Transport string
	Auth      *Auth
	Rooms     *Rooms
	Outbox    Outbox
	Logger    *slog.Logger
}

// Session is the per-client protocol state machine. It consumes decoded
// messages and emits replies through its Outbox; it knows nothing about
// framing or acknowledgements.
//
// Handle, Violation, Shutdown and Terminate are serialized. Deliver is called
// by other sessions' broadcasts and only enqueues.
type Session struct {
	id        string
	remote    string
	transport string
	auth      *Auth
	rooms     *Rooms
	out       Outbox
	logger    *slog.Logger

	mu          sync.Mutex
	state       atomic.Int32
	username    string
	displayName string
	room        *Room
	done        chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	s := &Session{
		id:        id,
		remote:    cfg.Remote,
		transport: cfg.Transport,
		auth:      cfg.Auth,
		rooms:     cfg.Rooms,
		out:       cfg.Outbox,
		logger:    logger.With("session", id, "remote", cfg.Remote),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateAuthenticating))
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Remote() string { return s.remote }

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

func (s *Session) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Deliver implements Subscriber.
func (s *Session) Deliver(n Notice) {
	if s.State() == StateTerminated {
		return
	}
	if !s.out.Post(protocol.Msg(n.From, n.Content)) && s.State() != StateTerminated {
		metrics.DroppedDeliveries.Inc()
		s.logger.Warn("delivery dropped", "from", n.From)
	}
}

// Handle applies one inbound message to the state machine.
func (s *Session) Handle(m protocol.Message) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateTerminated {
		return
	}
	typ := m.Type.String()
	metrics.MessagesTotal.WithLabelValues("in", typ).Inc()
	defer func() {
		metrics.EventProcessingDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	}()

	state := s.State()
	switch {
	case m.Type == protocol.TypeAuth && state == StateAuthenticating:
		s.authenticate(m)
	case m.Type == protocol.TypeJoin && state == StateOpen:
		s.join(m)
	case m.Type == protocol.TypeMsg && state == StateOpen:
		s.say(m)
	case m.Type == protocol.TypeErr:
		s.logger.Info("peer reported error", "content", m.Content)
		s.post(protocol.Bye())
		s.terminate()
	case m.Type == protocol.TypeBye:
		s.terminate()
	default:
		s.violation(ErrStateViolation, typ)
	}
}

// Violation sends the client-error sequence and terminates. Transports call
// it for input that failed to decode.
func (s *Session) Violation(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateTerminated {
		return
	}
	s.violation(err, "")
}

// Shutdown says BYE and terminates. Used when the server stops.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateTerminated {
		return
	}
	s.post(protocol.Bye())
	s.terminate()
}

// Terminate releases the room and username and closes the outbox. Calling it
// again does nothing.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminate()
}

func (s *Session) authenticate(m protocol.Message) {
	if err := s.auth.TryLogin(m.Username); err != nil {
		s.logger.Info("authentication refused", "username", m.Username, "error", err)
		s.post(protocol.Reply(false, m.ID, protocol.AuthFailed))
		return
	}

	s.username = m.Username
	s.displayName = m.DisplayName
	s.post(protocol.Reply(true, m.ID, protocol.AuthSuccess))
	s.state.Store(int32(StateOpen))
	s.enter(protocol.DefaultRoom)

	s.logger.Info("authenticated", "username", s.username, "display", s.displayName)
}

func (s *Session) join(m protocol.Message) {
	s.displayName = m.DisplayName
	s.leave()
	s.enter(m.Room)
	s.post(protocol.Reply(true, m.ID, protocol.JoinSuccess))
}

func (s *Session) say(m protocol.Message) {
	s.displayName = m.DisplayName
	s.room.Broadcast(s, Notice{From: s.displayName, Content: m.Content})
}

func (s *Session) enter(name string) {
	s.room = s.rooms.Join(name, s)
	s.room.Broadcast(s, Notice{
		From:    protocol.ServerName,
		Content: protocol.JoinedNotice(s.displayName, name),
	})
	s.logger.Info("joined room", "room", name)
}

func (s *Session) leave() {
	r := s.room
	if r == nil {
		return
	}
	s.room = nil
	r.Unsubscribe(s)
	r.Broadcast(s, Notice{
		From:    protocol.ServerName,
		Content: protocol.LeftNotice(s.displayName, r.Name()),
	})
	s.logger.Info("left room", "room", r.Name())
}

func (s *Session) violation(err error, typ string) {
	metrics.ProtocolViolations.WithLabelValues(s.transport).Inc()
	s.logger.Warn("protocol violation", "state", s.State().String(), "type", typ, "error", err)

	s.post(protocol.Err(protocol.ServerName, protocol.ClientError))
	s.post(protocol.Bye())
	s.terminate()
}

func (s *Session) terminate() {
	if s.State() == StateTerminated {
		return
	}
	s.state.Store(int32(StateTerminated))

	s.leave()
	if s.username != "" {
		s.auth.Logout(s.username)
	}
	s.out.Close()
	close(s.done)

	s.logger.Info("session terminated", "username", s.username)
}

func (s *Session) post(m protocol.Message) {
	if !s.out.Post(m) {
		metrics.DroppedDeliveries.Inc()
		s.logger.Warn("outbound message dropped", "type", m.Type.String())
	}
}
