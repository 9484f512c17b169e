package chat

import "github.com/andy6609/chatd/internal/protocol"

// Notice is a chat line fanned out to room members.
type Notice struct {
	From    string
	Content string
}

// FromServer reports whether the notice is a synthetic join/leave line.
func (n Notice) FromServer() bool {
	return n.From == protocol.ServerName
}

// Subscriber receives room broadcasts. Deliver must not block.
type Subscriber interface {
	ID() string
	Deliver(n Notice)
}

// Outbox is a session's delivery strategy: ordered, non-blocking enqueue of
// outbound messages. Close flushes what is queued and then releases the
// transport; it is idempotent and never blocks on the peer.
type Outbox interface {
	Post(m protocol.Message) bool
	Close()
}

// State is the session FSM state.
type State int32

const (
	StateAuthenticating State = iota
	StateOpen
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	ErrUsernameTaken   = errorString("username_taken")
	ErrUsernameInvalid = errorString("username_invalid")
	ErrRoomClosed      = errorString("room_closed")
	ErrStateViolation  = errorString("message not allowed in current state")
)

type errorString string

func (e errorString) Error() string { return string(e) }
