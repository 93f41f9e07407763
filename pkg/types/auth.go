package types

import (
	"fmt"
	"strings"
)

// AuthLevel is the trust tier granted to a peer and required by a category.
// Levels are ordered: none < basic < admin.
type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthBasic
	AuthAdmin
)

// String returns the lowercase name of the level
func (l AuthLevel) String() string {
	switch l {
	case AuthNone:
		return "none"
	case AuthBasic:
		return "basic"
	case AuthAdmin:
		return "admin"
	default:
		return fmt.Sprintf("authlevel(%d)", int(l))
	}
}

// Satisfies reports whether a peer holding l may access something requiring required.
func (l AuthLevel) Satisfies(required AuthLevel) bool {
	return l >= required
}

// ParseAuthLevel parses "none", "basic" or "admin" (case-insensitive).
func ParseAuthLevel(s string) (AuthLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return AuthNone, nil
	case "basic":
		return AuthBasic, nil
	case "admin":
		return AuthAdmin, nil
	default:
		return AuthNone, NewError(ErrCodeInvalidArgument, "unknown auth level: "+s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (l AuthLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so levels can be written by name in config files
func (l *AuthLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseAuthLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
