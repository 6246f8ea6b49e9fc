package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/pkg/llm"
)

// SQLiteStore keeps sessions in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureTables(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS session (
			id            TEXT    PRIMARY KEY,
			key           TEXT    NOT NULL,
			provider      TEXT    NOT NULL DEFAULT '',
			model         TEXT    NOT NULL DEFAULT '',
			title         TEXT    NOT NULL DEFAULT '',
			status        TEXT    NOT NULL DEFAULT 'active',
			message_count INTEGER NOT NULL DEFAULT 0,
			system_prompt TEXT    NOT NULL DEFAULT '',
			summary       TEXT    NOT NULL DEFAULT '',
			pinned        TEXT    NOT NULL DEFAULT '[]',
			created_ts    INTEGER NOT NULL,
			updated_ts    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_key ON session(key, updated_ts)`,
		`CREATE TABLE IF NOT EXISTS message (
			session_id TEXT    NOT NULL REFERENCES session(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			data       TEXT    NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS recent (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			saved_ts   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recent_session ON recent(session_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sqlite schema: %w", err)
		}
	}
	return nil
}

const sessionColumns = `id, key, provider, model, title, status, message_count, created_ts, updated_ts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIndex(row rowScanner) (*types.SessionIndex, error) {
	var (
		idx              types.SessionIndex
		created, updated int64
	)
	if err := row.Scan(&idx.SessionID, &idx.SessionKey, &idx.Provider, &idx.Model, &idx.Title,
		&idx.Status, &idx.MessageCount, &created, &updated); err != nil {
		return nil, err
	}
	idx.CreatedAt = time.Unix(0, created)
	idx.UpdatedAt = time.Unix(0, updated)
	return &idx, nil
}

// ResolveOrCreate returns the most recently updated active session for the
// key, creating one if there is none.
func (s *SQLiteStore) ResolveOrCreate(ctx context.Context, key types.SessionKey, provider, model string) (types.SessionID, error) {
	var id types.SessionID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM session WHERE key = ? AND status = ? ORDER BY updated_ts DESC LIMIT 1`,
		key, types.StatusActive,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return s.Create(ctx, key, provider, model)
}

// Create inserts a new active session.
func (s *SQLiteStore) Create(ctx context.Context, key types.SessionKey, provider, model string) (types.SessionID, error) {
	id := types.NewSessionID()
	now := time.Now().UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO session (id, key, provider, model, status, created_ts, updated_ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, key, provider, model, types.StatusActive, now, now,
	); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// Get returns the session index entry with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id types.SessionID) (*types.SessionIndex, error) {
	idx, err := scanIndex(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM session WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return idx, nil
}

// List returns all sessions, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*types.SessionIndex, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM session ORDER BY updated_ts DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var list []*types.SessionIndex
	for rows.Next() {
		idx, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		list = append(list, idx)
	}
	return list, rows.Err()
}

// Update persists index fields, setting UpdatedAt to now.
func (s *SQLiteStore) Update(ctx context.Context, session *types.SessionIndex) error {
	session.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE session SET provider = ?, model = ?, title = ?, status = ?, message_count = ?, updated_ts = ? WHERE id = ?`,
		session.Provider, session.Model, session.Title, session.Status, session.MessageCount,
		session.UpdatedAt.UnixNano(), session.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", types.ErrNotFound, session.SessionID)
	}
	return nil
}

// SaveRecent appends messages to the session's recent log.
func (s *SQLiteStore) SaveRecent(ctx context.Context, id types.SessionID, messages []llm.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recent (session_id, data, saved_ts) VALUES (?, ?, ?)`, id, string(data), now,
		); err != nil {
			return fmt.Errorf("insert recent: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns the last limit messages from the recent log, oldest first.
// A limit of zero or less returns every message.
func (s *SQLiteStore) Recent(ctx context.Context, id types.SessionID, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM (SELECT id, data FROM recent WHERE session_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id`,
		id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]llm.Message, error) {
	var messages []llm.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m llm.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SaveSession replaces the stored snapshot in one transaction.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *types.Session) error {
	if session.SessionID == "" {
		return errors.New("save session: missing session id")
	}
	session.MessageCount = len(session.Messages)
	if session.Title == "" {
		session.Title = types.TitleFrom(session.Messages)
	}
	session.UpdatedAt = time.Now()

	pinned, err := json.Marshal(orEmpty(session.Pinned))
	if err != nil {
		return fmt.Errorf("marshal pinned: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE session SET provider = ?, model = ?, title = ?, status = ?, message_count = ?,
		 system_prompt = ?, summary = ?, pinned = ?, updated_ts = ? WHERE id = ?`,
		session.Provider, session.Model, session.Title, session.Status, session.MessageCount,
		session.SystemPrompt, session.Summary, string(pinned), session.UpdatedAt.UnixNano(), session.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save session: %w: %s", types.ErrNotFound, session.SessionID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM message WHERE session_id = ?`, session.SessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, m := range session.Messages {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message (session_id, seq, data) VALUES (?, ?, ?)`, session.SessionID, i, string(data),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSession reads the stored snapshot.
func (s *SQLiteStore) LoadSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	idx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	session := &types.Session{SessionIndex: *idx}

	var pinned string
	if err := s.db.QueryRowContext(ctx,
		`SELECT system_prompt, summary, pinned FROM session WHERE id = ?`, id,
	).Scan(&session.SystemPrompt, &session.Summary, &pinned); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal([]byte(pinned), &session.Pinned); err != nil {
		return nil, fmt.Errorf("unmarshal pinned: %w", err)
	}
	if len(session.Pinned) == 0 {
		session.Pinned = nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM message WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	if session.Messages, err = scanMessages(rows); err != nil {
		return nil, err
	}
	return session, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func orEmpty(msgs []llm.Message) []llm.Message {
	if msgs == nil {
		return []llm.Message{}
	}
	return msgs
}
