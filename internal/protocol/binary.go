package protocol

import (
	"bytes"
	"encoding/binary"
)

// HeaderSize is the tag byte plus the big-endian message id.
const HeaderSize = 3

// PeekHeader returns the tag and message id of a datagram without
// validating its payload.
func PeekHeader(b []byte) (Type, uint16, error) {
	if len(b) < HeaderSize {
		return 0, 0, malformed("datagram of %d bytes", len(b))
	}
	return Type(b[0]), binary.BigEndian.Uint16(b[1:3]), nil
}

// DecodeBinary parses one datagram.
func DecodeBinary(b []byte) (Message, error) {
	t, id, err := PeekHeader(b)
	if err != nil {
		return Message{}, err
	}
	r := fieldReader{buf: b[HeaderSize:]}

	m := Message{Type: t, ID: id}
	switch t {
	case TypeConfirm, TypeBye:
	case TypeAuth:
		m.Username = r.field(false)
		m.DisplayName = r.field(false)
		m.Secret = r.field(true)
	case TypeJoin:
		m.Room = r.field(false)
		m.DisplayName = r.field(true)
	case TypeMsg, TypeErr:
		m.DisplayName = r.field(false)
		m.Content = r.field(true)
	case TypeReply:
		if len(r.buf) < 3 {
			return Message{}, malformed("short REPLY")
		}
		switch r.buf[0] {
		case 0:
		case 1:
			m.OK = true
		default:
			return Message{}, malformed("bad REPLY result %d", r.buf[0])
		}
		m.RefID = binary.BigEndian.Uint16(r.buf[1:3])
		r.buf = r.buf[3:]
		m.Content = r.field(true)
	default:
		return Message{}, malformed("unknown tag 0x%02x", uint8(t))
	}

	if r.err != nil {
		return Message{}, r.err
	}
	if len(r.buf) != 0 {
		return Message{}, malformed("%d trailing bytes after %s", len(r.buf), t)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// fieldReader consumes null-terminated ASCII fields. The final field may end
// at the datagram boundary without a terminator.
type fieldReader struct {
	buf []byte
	err error
}

func (r *fieldReader) field(last bool) string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf, 0)
	if i < 0 {
		if !last {
			r.err = malformed("unterminated field")
			return ""
		}
		v := string(r.buf)
		r.buf = nil
		return v
	}
	v := string(r.buf[:i])
	r.buf = r.buf[i+1:]
	return v
}

// EncodeBinary renders m as one datagram using m.ID as the message id.
func EncodeBinary(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	b := make([]byte, HeaderSize, HeaderSize+len(m.Username)+len(m.DisplayName)+len(m.Secret)+len(m.Room)+len(m.Content)+6)
	b[0] = byte(m.Type)
	binary.BigEndian.PutUint16(b[1:3], m.ID)

	switch m.Type {
	case TypeConfirm, TypeBye:
	case TypeAuth:
		b = appendField(b, m.Username)
		b = appendField(b, m.DisplayName)
		b = appendField(b, m.Secret)
	case TypeJoin:
		b = appendField(b, m.Room)
		b = appendField(b, m.DisplayName)
	case TypeMsg, TypeErr:
		b = appendField(b, m.DisplayName)
		b = appendField(b, m.Content)
	case TypeReply:
		var result byte
		if m.OK {
			result = 1
		}
		b = append(b, result)
		b = binary.BigEndian.AppendUint16(b, m.RefID)
		b = appendField(b, m.Content)
	}
	return b, nil
}

func appendField(b []byte, v string) []byte {
	b = append(b, v...)
	return append(b, 0)
}
