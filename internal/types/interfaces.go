package types

import (
	"context"
	"errors"

	"github.com/user/gophertalk/pkg/llm"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// SessionStore manages the session index.
type SessionStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey, provider, model string) (SessionID, error)
	Create(ctx context.Context, key SessionKey, provider, model string) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
}

// Persister receives transcript snapshots from the orchestrator.
// SaveRecent is called fire-and-forget with the messages of the turn that
// just completed; SaveSession is awaited with the full snapshot. Neither
// failure fails the turn.
type Persister interface {
	SaveRecent(ctx context.Context, id SessionID, messages []llm.Message) error
	SaveSession(ctx context.Context, session *Session) error
}

// Store is a complete persistence backend.
type Store interface {
	SessionStore
	Persister
	LoadSession(ctx context.Context, id SessionID) (*Session, error)
	Recent(ctx context.Context, id SessionID, limit int) ([]llm.Message, error)
	Close() error
}
