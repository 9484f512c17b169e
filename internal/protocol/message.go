// Package protocol holds the chat message model shared by both transports and
// the two wire encodings: a CRLF-terminated text format for the stream
// transport and a tagged binary format for the datagram transport.
package protocol

import "fmt"

// Type identifies a message variant. The numeric values are the binary tags.
type Type uint8

const (
	TypeConfirm Type = 0x00
	TypeReply   Type = 0x01
	TypeAuth    Type = 0x02
	TypeJoin    Type = 0x03
	TypeMsg     Type = 0x04
	TypeErr     Type = 0xFE
	TypeBye     Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeConfirm:
		return "CONFIRM"
	case TypeReply:
		return "REPLY"
	case TypeAuth:
		return "AUTH"
	case TypeJoin:
		return "JOIN"
	case TypeMsg:
		return "MSG"
	case TypeErr:
		return "ERR"
	case TypeBye:
		return "BYE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Message is a decoded protocol message. Only the fields relevant to Type are
// set. ID and RefID are used by the datagram encoding only.
type Message struct {
	Type        Type
	ID          uint16
	Username    string
	DisplayName string
	Secret      string
	Room        string
	Content     string
	OK          bool
	RefID       uint16
}

// Standard contents and names used by the server.
const (
	ServerName  = "Server"
	DefaultRoom = "default_room"

	AuthSuccess = "AUTH_SUCCESS"
	AuthFailed  = "AUTH_FAILED"
	JoinSuccess = "JOIN_SUCCESS"
	ClientError = "CLIENT_ERROR"
)

func Auth(username, displayName, secret string) Message {
	return Message{Type: TypeAuth, Username: username, DisplayName: displayName, Secret: secret}
}

func Join(room, displayName string) Message {
	return Message{Type: TypeJoin, Room: room, DisplayName: displayName}
}

func Msg(displayName, content string) Message {
	return Message{Type: TypeMsg, DisplayName: displayName, Content: content}
}

func Err(displayName, content string) Message {
	return Message{Type: TypeErr, DisplayName: displayName, Content: content}
}

func Reply(ok bool, refID uint16, content string) Message {
	return Message{Type: TypeReply, OK: ok, RefID: refID, Content: content}
}

func Bye() Message {
	return Message{Type: TypeBye}
}

func Confirm(id uint16) Message {
	return Message{Type: TypeConfirm, ID: id}
}

// JoinedNotice is the text broadcast when a display name enters a room.
func JoinedNotice(displayName, room string) string {
	return displayName + " has joined " + room
}

// LeftNotice is the text broadcast when a display name leaves a room.
func LeftNotice(displayName, room string) string {
	return displayName + " has left " + room
}
