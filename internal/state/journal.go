package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/pkg/llm"
)

// JournalEntry is one line of a session's message journal.
type JournalEntry struct {
	Seq     int64       `json:"seq"`
	SavedAt time.Time   `json:"saved_at"`
	Message llm.Message `json:"message"`
}

// Journal is a JSONL-backed append-only log of recently completed messages.
// Entries are stored per session in sessions/<sessionID>/messages.jsonl.
type Journal struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewJournal creates a new file-backed Journal rooted at the given directory.
func NewJournal(root string) *Journal {
	return &Journal{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (j *Journal) getLock(sessionID types.SessionID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lock, ok := j.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	j.locks[sessionID] = lock
	return lock
}

func (j *Journal) path(sessionID types.SessionID) string {
	return filepath.Join(j.root, "sessions", string(sessionID), "messages.jsonl")
}

// count reads the journal and counts lines. Caller must hold the session lock.
func (j *Journal) count(sessionID types.SessionID) (int64, error) {
	f, err := os.Open(j.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJournalLine)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return count, nil
}

const maxJournalLine = 16 << 20

// Append writes messages to the session's journal with consecutive sequence
// numbers.
func (j *Journal) Append(_ context.Context, sessionID types.SessionID, messages []llm.Message) error {
	if len(messages) == 0 {
		return nil
	}
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path(sessionID)), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	seq, err := j.count(sessionID)
	if err != nil {
		return err
	}

	var buf []byte
	now := time.Now()
	for _, m := range messages {
		seq++
		data, err := json.Marshal(JournalEntry{Seq: seq, SavedAt: now, Message: m})
		if err != nil {
			return fmt.Errorf("marshal journal entry: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(j.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

// Tail returns the last limit entries for the given session. A limit of
// zero or less returns every entry.
func (j *Journal) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]JournalEntry, error) {
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJournalLine)
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal journal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of entries for the given session.
func (j *Journal) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return j.count(sessionID)
}
