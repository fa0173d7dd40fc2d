package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// ErrConflict is returned on duplicate create or delete-while-active.
var ErrConflict = errors.New("session conflict")

// ErrPersistence is returned when the store cannot commit; callers must
// surface it and refuse further mutation of the turn.
var ErrPersistence = errors.New("persistence error")

// Meta contains durable metadata about a session.
type Meta struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Cost         float64   `json:"cost"`
}

// Turn is one persisted conversation entry. Payload is the JSON encoding of
// the role-specific message shape owned by the agent package.
type Turn struct {
	Seq       int             `json:"seq"`
	Role      string          `json:"role"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists session metadata, conversation turns and per-transport
// checkpoints in a single SQLite file.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	// Serial writes per database; SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0.0
);
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	transport TEXT NOT NULL,
	blob BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, transport)
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(id, name, model string) (*Meta, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, name, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, model, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: session %q already exists", ErrConflict, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &Meta{ID: id, Name: name, Model: model, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession loads a session's metadata.
func (s *Store) GetSession(id string) (*Meta, error) {
	row := s.db.QueryRow(
		`SELECT id, name, model, created_at, updated_at, input_tokens, output_tokens, cost
		 FROM sessions WHERE id = ?`, id)
	var m Meta
	err := row.Scan(&m.ID, &m.Name, &m.Model, &m.CreatedAt, &m.UpdatedAt,
		&m.InputTokens, &m.OutputTokens, &m.Cost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &m, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]Meta, error) {
	rows, err := s.db.Query(
		`SELECT id, name, model, created_at, updated_at, input_tokens, output_tokens, cost
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.ID, &m.Name, &m.Model, &m.CreatedAt, &m.UpdatedAt,
			&m.InputTokens, &m.OutputTokens, &m.Cost); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteSession removes the session row, its turns and checkpoints.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := tx.Exec(`DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// AppendTurns appends turns and applies a usage delta in one transaction.
// Either everything commits or nothing does.
func (s *Store) AppendTurns(id string, turns []Turn, inTok, outTok int, cost float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	var nextSeq int
	row := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, id)
	if err := row.Scan(&nextSeq); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	now := time.Now().UTC()
	for i, t := range turns {
		if _, err := tx.Exec(
			`INSERT INTO turns (session_id, seq, role, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, nextSeq+i, t.Role, string(t.Payload), now,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	res, err := tx.Exec(
		`UPDATE sessions
		 SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
		     cost = cost + ?, updated_at = ?
		 WHERE id = ?`,
		inTok, outTok, cost, now, id,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Turns returns the session's history in insertion order.
func (s *Store) Turns(id string) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT seq, role, payload, created_at FROM turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var payload string
		if err := rows.Scan(&t.Seq, &t.Role, &payload, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		t.Payload = json.RawMessage(payload)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TouchSession bumps the updated_at timestamp.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// SaveCheckpoint upserts a transport-scoped checkpoint blob.
func (s *Store) SaveCheckpoint(id, transport string, blob []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (session_id, transport, blob, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, transport) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		id, transport, blob, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// LoadCheckpoint returns the blob for (session, transport). A missing or
// unreadable checkpoint yields nil without error: new-session semantics.
func (s *Store) LoadCheckpoint(id, transport string) []byte {
	row := s.db.QueryRow(
		`SELECT blob FROM checkpoints WHERE session_id = ? AND transport = ?`, id, transport)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		return nil
	}
	return blob
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
