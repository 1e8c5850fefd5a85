package engine

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// turn is one stored conversation turn; blocks preserve tool-use structure
// so resumed sessions replay exactly what the model produced.
type turn struct {
	Role   string  `json:"role"` // "user" or "assistant"
	Blocks []block `json:"blocks"`
}

type block struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// SessionStore persists engine session transcripts in SQLite. A session id
// is owned by exactly one thread; the store itself does not enforce that,
// the runner's manifest discipline does.
type SessionStore struct {
	db *sql.DB
}

// OpenSessions opens (and migrates) the session database.
func OpenSessions(path string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SessionStore{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SessionStore) Close() error { return s.db.Close() }

// Load returns the transcript for a session id, or ErrSessionNotFound.
func (s *SessionStore) Load(id string) ([]turn, error) {
	var raw string
	err := s.db.QueryRow(`SELECT transcript FROM sessions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var transcript []turn
	if err := json.Unmarshal([]byte(raw), &transcript); err != nil {
		// A corrupt row is indistinguishable from an expired session
		// for the caller: resume fails, the retry starts fresh.
		return nil, fmt.Errorf("%w: %s (corrupt transcript)", ErrSessionNotFound, id)
	}
	return transcript, nil
}

// Save stores a transcript under a session id.
func (s *SessionStore) Save(id string, transcript []turn) error {
	data, err := json.Marshal(transcript)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, transcript, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET transcript = excluded.transcript, updated_at = excluded.updated_at`,
		id, string(data), now, now,
	)
	return err
}

// Delete removes a session row. Deleting an absent id is a no-op: the caller
// prunes superseded sessions best-effort.
func (s *SessionStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}
