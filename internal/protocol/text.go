package protocol

import (
	"bytes"
	"strings"
)

var crlf = []byte("\r\n")

// DecodeText parses one stream frame. The frame must not include its CRLF.
// Keywords match case-insensitively; field values are kept as sent.
func DecodeText(frame string) (Message, error) {
	if strings.ContainsAny(frame, "\r\n") {
		return Message{}, malformed("frame contains line break")
	}
	head, _, _ := strings.Cut(frame, " ")

	var m Message
	switch strings.ToUpper(head) {
	case "AUTH":
		parts := strings.Split(frame, " ")
		if len(parts) != 6 || !keyword(parts[2], "AS") || !keyword(parts[4], "USING") {
			return Message{}, malformed("bad AUTH frame")
		}
		m = Auth(parts[1], parts[3], parts[5])
	case "JOIN":
		parts := strings.Split(frame, " ")
		if len(parts) != 4 || !keyword(parts[2], "AS") {
			return Message{}, malformed("bad JOIN frame")
		}
		m = Join(parts[1], parts[3])
	case "MSG", "ERR":
		parts := strings.SplitN(frame, " ", 5)
		if len(parts) != 5 || !keyword(parts[1], "FROM") || !keyword(parts[3], "IS") {
			return Message{}, malformed("bad %s frame", strings.ToUpper(head))
		}
		if keyword(head, "MSG") {
			m = Msg(parts[2], parts[4])
		} else {
			m = Err(parts[2], parts[4])
		}
	case "REPLY":
		parts := strings.SplitN(frame, " ", 4)
		if len(parts) != 4 || !keyword(parts[2], "IS") {
			return Message{}, malformed("bad REPLY frame")
		}
		switch {
		case keyword(parts[1], "OK"):
			m = Reply(true, 0, parts[3])
		case keyword(parts[1], "NOK"):
			m = Reply(false, 0, parts[3])
		default:
			return Message{}, malformed("bad REPLY result %q", parts[1])
		}
	case "BYE":
		if len(frame) != len(head) {
			return Message{}, malformed("bad BYE frame")
		}
		m = Bye()
	default:
		return Message{}, malformed("unknown keyword %q", head)
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func keyword(s, want string) bool {
	return strings.EqualFold(s, want)
}

// EncodeText renders m as one CRLF-terminated stream frame.
func EncodeText(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	switch m.Type {
	case TypeAuth:
		b.WriteString("AUTH " + m.Username + " AS " + m.DisplayName + " USING " + m.Secret)
	case TypeJoin:
		b.WriteString("JOIN " + m.Room + " AS " + m.DisplayName)
	case TypeMsg:
		b.WriteString("MSG FROM " + m.DisplayName + " IS " + m.Content)
	case TypeErr:
		b.WriteString("ERR FROM " + m.DisplayName + " IS " + m.Content)
	case TypeReply:
		result := "NOK"
		if m.OK {
			result = "OK"
		}
		b.WriteString("REPLY " + result + " IS " + m.Content)
	case TypeBye:
		b.WriteString("BYE")
	default:
		return nil, malformed("%s has no text form", m.Type)
	}
	b.Write(crlf)
	return b.Bytes(), nil
}

// ScanCRLF is a bufio.SplitFunc returning frames terminated by CRLF, without
// the terminator. A CR split from its LF across reads is held until the next
// read. A trailing partial frame at EOF is discarded.
func ScanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, crlf); i >= 0 {
		return i + len(crlf), data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}
