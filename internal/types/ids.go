package types

import (
	"strings"

	"github.com/lithammer/shortuuid/v4"
)

type SessionKey string
type SessionID string

// NewSessionID returns a short, URL-safe session identifier.
func NewSessionID() SessionID {
	return SessionID(shortuuid.New())
}

// NewSessionKey joins parts into a key such as "cli:default".
func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
