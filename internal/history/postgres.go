package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/evaluation"
)

// PostgresSchema is the SQL DDL for the practice_sessions table. Execute it
// via [PostgresStore.Migrate] or apply it manually during deployment.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS practice_sessions (
    id             TEXT PRIMARY KEY,
    scenario_id    TEXT NOT NULL,
    scenario_title TEXT NOT NULL DEFAULT '',
    voice          TEXT NOT NULL DEFAULT '',
    turns          INTEGER NOT NULL DEFAULT 0,
    messages       JSONB NOT NULL DEFAULT '[]',
    evaluation     JSONB,
    started_at     TIMESTAMPTZ NOT NULL,
    ended_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_practice_sessions_ended ON practice_sessions(ended_at DESC);
CREATE INDEX IF NOT EXISTS idx_practice_sessions_scenario ON practice_sessions(scenario_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Messages and evaluation
// are stored as JSONB.
type PostgresStore struct {
	db    DB
	close func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps db. The caller is responsible for calling
// [PostgresStore.Migrate] and for closing db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn and applies the schema. Close
// releases the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [PostgresSchema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	msgJSON, evJSON, err := marshalFields(sess)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO practice_sessions (
			id, scenario_id, scenario_title, voice, turns,
			messages, evaluation, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			scenario_id = EXCLUDED.scenario_id,
			scenario_title = EXCLUDED.scenario_title,
			voice = EXCLUDED.voice,
			turns = EXCLUDED.turns,
			messages = EXCLUDED.messages,
			evaluation = EXCLUDED.evaluation,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at`

	if _, err := s.db.Exec(ctx, query,
		sess.ID, sess.ScenarioID, sess.ScenarioTitle, sess.Voice, sess.Turns,
		msgJSON, evJSON, sess.StartedAt, sess.EndedAt,
	); err != nil {
		return fmt.Errorf("history: save %q: %w", sess.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	const query = `
		SELECT id, scenario_id, scenario_title, voice, turns,
		       messages, evaluation, started_at, ended_at
		FROM practice_sessions
		WHERE id = $1`

	var sess Session
	var msgJSON, evJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&sess.ID, &sess.ScenarioID, &sess.ScenarioTitle, &sess.Voice, &sess.Turns,
		&msgJSON, &evJSON, &sess.StartedAt, &sess.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: get %q: %w", id, err)
	}
	if err := unmarshalFields(&sess, msgJSON, evJSON); err != nil {
		return nil, err
	}
	return &sess, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Session, error) {
	const query = `
		SELECT id, scenario_id, scenario_title, voice, turns,
		       messages, evaluation, started_at, ended_at
		FROM practice_sessions
		ORDER BY ended_at DESC, id
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var msgJSON, evJSON []byte
		if err := rows.Scan(
			&sess.ID, &sess.ScenarioID, &sess.ScenarioTitle, &sess.Voice, &sess.Turns,
			&msgJSON, &evJSON, &sess.StartedAt, &sess.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("history: list scan: %w", err)
		}
		if err := unmarshalFields(&sess, msgJSON, evJSON); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// Close implements Store. It closes the pool only when the store opened it.
func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// marshalFields encodes the JSON columns. A nil evaluation stays NULL.
func marshalFields(sess *Session) (msgJSON, evJSON []byte, err error) {
	msgJSON, err = json.Marshal(emptySlice(sess.Messages))
	if err != nil {
		return nil, nil, fmt.Errorf("history: marshal messages: %w", err)
	}
	if sess.Evaluation != nil {
		evJSON, err = json.Marshal(sess.Evaluation)
		if err != nil {
			return nil, nil, fmt.Errorf("history: marshal evaluation: %w", err)
		}
	}
	return msgJSON, evJSON, nil
}

func unmarshalFields(sess *Session, msgJSON, evJSON []byte) error {
	if len(msgJSON) > 0 {
		if err := json.Unmarshal(msgJSON, &sess.Messages); err != nil {
			return fmt.Errorf("history: unmarshal messages: %w", err)
		}
	}
	if len(evJSON) > 0 && string(evJSON) != "null" {
		sess.Evaluation = new(evaluation.Evaluation)
		if err := json.Unmarshal(evJSON, sess.Evaluation); err != nil {
			return fmt.Errorf("history: unmarshal evaluation: %w", err)
		}
	}
	return nil
}
