package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS practice_sessions (
    id             TEXT PRIMARY KEY,
    scenario_id    TEXT NOT NULL,
    scenario_title TEXT NOT NULL DEFAULT '',
    voice          TEXT NOT NULL DEFAULT '',
    turns          INTEGER NOT NULL DEFAULT 0,
    messages       TEXT NOT NULL DEFAULT '[]',
    evaluation     TEXT,
    started_at     TIMESTAMP NOT NULL,
    ended_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_practice_sessions_ended ON practice_sessions(ended_at);
`

// SQLiteStore is a [Store] backed by an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database file at path and
// applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	msgJSON, evJSON, err := marshalFields(sess)
	if err != nil {
		return err
	}
	var ev any
	if evJSON != nil {
		ev = string(evJSON)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO practice_sessions(id, scenario_id, scenario_title, voice, turns, messages, evaluation, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   scenario_id=excluded.scenario_id, scenario_title=excluded.scenario_title,
		   voice=excluded.voice, turns=excluded.turns, messages=excluded.messages,
		   evaluation=excluded.evaluation, started_at=excluded.started_at, ended_at=excluded.ended_at`,
		sess.ID, sess.ScenarioID, sess.ScenarioTitle, sess.Voice, sess.Turns,
		string(msgJSON), ev, sess.StartedAt.UTC(), sess.EndedAt.UTC())
	if err != nil {
		return fmt.Errorf("history: save %q: %w", sess.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scenario_id, scenario_title, voice, turns, messages, evaluation, started_at, ended_at
		 FROM practice_sessions WHERE id = ?`, id)
	sess, err := scanSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: get %q: %w", id, err)
	}
	return sess, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scenario_id, scenario_title, voice, turns, messages, evaluation, started_at, ended_at
		 FROM practice_sessions ORDER BY ended_at DESC, id LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("history: list scan: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(sc scanner) (*Session, error) {
	var (
		sess    Session
		msgJSON string
		evJSON  sql.NullString
	)
	if err := sc.Scan(&sess.ID, &sess.ScenarioID, &sess.ScenarioTitle, &sess.Voice, &sess.Turns,
		&msgJSON, &evJSON, &sess.StartedAt, &sess.EndedAt); err != nil {
		return nil, err
	}
	var ev []byte
	if evJSON.Valid {
		ev = []byte(evJSON.String)
	}
	if err := unmarshalFields(&sess, []byte(msgJSON), ev); err != nil {
		return nil, err
	}
	return &sess, nil
}
