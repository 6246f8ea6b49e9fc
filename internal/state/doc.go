// Package state provides the persistence collaborators the session
// orchestrator hands transcripts to: a filesystem store and a SQLite store.
package state

import "github.com/user/gophertalk/internal/types"

// Compile-time interface compliance checks.
var _ types.Store = (*FileStore)(nil)
var _ types.Store = (*SQLiteStore)(nil)
var _ types.SessionStore = (*SessionStore)(nil)
