package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/gophertalk/internal/types"
)

// SessionStore is a JSON-file-backed session index.
// It stores index data in sessions/sessions.json and creates per-session
// directories at sessions/<sessionID>/.
type SessionStore struct {
	root string
	mu   sync.RWMutex
}

// NewSessionStore creates a new file-backed SessionStore rooted at the given directory.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *SessionStore) sessionDir(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id))
}

// loadIndex reads sessions.json and returns a map keyed by SessionID.
func (s *SessionStore) loadIndex() (map[types.SessionID]*types.SessionIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.SessionIndex), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.SessionIndex
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionID]*types.SessionIndex, len(sessions))
	for _, sess := range sessions {
		index[sess.SessionID] = sess
	}
	return index, nil
}

func (s *SessionStore) saveIndex(index map[types.SessionID]*types.SessionIndex) error {
	data, err := json.MarshalIndent(sorted(index), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	return writeFileAtomic(s.indexPath(), data)
}

// sorted returns sessions newest first.
func sorted(index map[types.SessionID]*types.SessionIndex) []*types.SessionIndex {
	sessions := make([]*types.SessionIndex, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].SessionID < sessions[j].SessionID
		}
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions
}

// ResolveOrCreate returns the most recently updated active session for the
// key, creating a new session if there is none.
func (s *SessionStore) ResolveOrCreate(ctx context.Context, key types.SessionKey, provider, model string) (types.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	for _, sess := range sorted(index) {
		if sess.SessionKey == key && sess.Status == types.StatusActive {
			return sess.SessionID, nil
		}
	}
	return s.create(index, key, provider, model)
}

// Create starts a new session for the key even if one already exists.
func (s *SessionStore) Create(_ context.Context, key types.SessionKey, provider, model string) (types.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	return s.create(index, key, provider, model)
}

// create adds a session to index and saves it. Caller must hold the lock.
func (s *SessionStore) create(index map[types.SessionID]*types.SessionIndex, key types.SessionKey, provider, model string) (types.SessionID, error) {
	now := time.Now()
	id := types.NewSessionID()
	index[id] = &types.SessionIndex{
		SessionID:  id,
		SessionKey: key,
		Provider:   provider,
		Model:      model,
		Status:     types.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.saveIndex(index); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.sessionDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return id, nil
}

// Get returns the session with the given ID.
func (s *SessionStore) Get(_ context.Context, id types.SessionID) (*types.SessionIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	sess, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return sess, nil
}

// List returns all sessions, newest first.
func (s *SessionStore) List(_ context.Context) ([]*types.SessionIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sorted(index), nil
}

// Update persists changes to the given session, setting UpdatedAt to now.
func (s *SessionStore) Update(_ context.Context, session *types.SessionIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[session.SessionID]; !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, session.SessionID)
	}

	session.UpdatedAt = time.Now()
	index[session.SessionID] = session
	return s.saveIndex(index)
}

// writeFileAtomic writes to a temp file then renames it over path.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
