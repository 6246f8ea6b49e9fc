package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/pkg/llm"
)

// FileStore keeps sessions on the local filesystem:
//
//	sessions/sessions.json          index
//	sessions/<id>/session.json      latest snapshot
//	sessions/<id>/messages.jsonl    journal of completed turns
type FileStore struct {
	*SessionStore
	journal *Journal
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		SessionStore: NewSessionStore(dir),
		journal:      NewJournal(dir),
	}
}

func (s *FileStore) snapshotPath(id types.SessionID) string {
	return filepath.Join(s.sessionDir(id), "session.json")
}

// SaveRecent appends messages to the session's journal.
func (s *FileStore) SaveRecent(ctx context.Context, id types.SessionID, messages []llm.Message) error {
	return s.journal.Append(ctx, id, messages)
}

// Recent returns the last limit journaled messages.
func (s *FileStore) Recent(ctx context.Context, id types.SessionID, limit int) ([]llm.Message, error) {
	entries, err := s.journal.Tail(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	messages := make([]llm.Message, len(entries))
	for i, e := range entries {
		messages[i] = e.Message
	}
	return messages, nil
}

// SaveSession writes the snapshot atomically and refreshes the index entry.
func (s *FileStore) SaveSession(ctx context.Context, session *types.Session) error {
	if session.SessionID == "" {
		return errors.New("save session: missing session id")
	}
	session.MessageCount = len(session.Messages)
	if session.Title == "" {
		session.Title = types.TitleFrom(session.Messages)
	}

	// Encode first so a session that cannot be encoded leaves the index alone.
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	idx := session.SessionIndex
	if err := s.Update(ctx, &idx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	session.UpdatedAt = idx.UpdatedAt
	return writeFileAtomic(s.snapshotPath(session.SessionID), data)
}

// LoadSession returns the latest snapshot. A session that is indexed but has
// no snapshot yet loads with an empty transcript.
func (s *FileStore) LoadSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	idx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.snapshotPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return &types.Session{SessionIndex: *idx}, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	session.SessionIndex = *idx
	return &session, nil
}

// Close is a no-op for the filesystem store.
func (s *FileStore) Close() error { return nil }
