package protocol

import "fmt"

// Field limits.
const (
	MaxUsername    = 20
	MaxRoom        = 20
	MaxSecret      = 128
	MaxDisplayName = 20
	MaxContent     = 1400
)

// ErrMalformed is wrapped by every decode and field validation failure.
var ErrMalformed = errorString("malformed message")

type errorString string

func (e errorString) Error() string { return string(e) }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}

func isIdent(c byte) bool {
	return c == '-' ||
		(c >= '0' && c <= '9') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z')
}

func checkField(name, v string, maxLen int, ok func(byte) bool) error {
	if v == "" {
		return malformed("empty %s", name)
	}
	if len(v) > maxLen {
		return malformed("%s longer than %d", name, maxLen)
	}
	for i := 0; i < len(v); i++ {
		if !ok(v[i]) {
			return malformed("%s has invalid byte 0x%02x", name, v[i])
		}
	}
	return nil
}

func ValidateUsername(v string) error {
	return checkField("username", v, MaxUsername, isIdent)
}

func ValidateRoom(v string) error {
	return checkField("room", v, MaxRoom, isIdent)
}

func ValidateSecret(v string) error {
	return checkField("secret", v, MaxSecret, isIdent)
}

func ValidateDisplayName(v string) error {
	return checkField("display name", v, MaxDisplayName, func(c byte) bool { return c >= 0x21 && c <= 0x7E })
}

func ValidateContent(v string) error {
	return checkField("content", v, MaxContent, func(c byte) bool { return c >= 0x20 && c <= 0x7E })
}

// Validate checks the fields carried by m's type.
func (m Message) Validate() error {
	switch m.Type {
	case TypeAuth:
		if err := ValidateUsername(m.Username); err != nil {
			return err
		}
		if err := ValidateDisplayName(m.DisplayName); err != nil {
			return err
		}
		return ValidateSecret(m.Secret)
	case TypeJoin:
		if err := ValidateRoom(m.Room); err != nil {
			return err
		}
		return ValidateDisplayName(m.DisplayName)
	case TypeMsg, TypeErr:
		if err := ValidateDisplayName(m.DisplayName); err != nil {
			return err
		}
		return ValidateContent(m.Content)
	case TypeReply:
		return ValidateContent(m.Content)
	case TypeBye, TypeConfirm:
		return nil
	default:
		return malformed("unknown type %s", m.Type)
	}
}
