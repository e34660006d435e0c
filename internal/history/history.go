// Package history persists finished practice conversations.
//
// A [Session] is written once, when a conversation reaches evaluation, and
// is read back by the history API. Three [Store] backends exist: an
// in-memory store for tests and ephemeral deployments, an embedded SQLite
// file, and PostgreSQL.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/internal/evaluation"
)

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Session is one finished conversation.
type Session struct {
	// ID is a UUID assigned when the conversation started.
	ID string `json:"id"`

	ScenarioID    string `json:"scenarioId"`
	ScenarioTitle string `json:"scenarioTitle"`
	Voice         string `json:"voice,omitempty"`

	// Turns is the number of completed learner utterances.
	Turns int `json:"turns"`

	Messages   []evaluation.Message   `json:"messages"`
	Evaluation *evaluation.Evaluation `json:"evaluation,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Validate checks the fields every backend relies on.
func (s *Session) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if s.ScenarioID == "" {
		errs = append(errs, errors.New("scenario_id must not be empty"))
	}
	if s.Turns < 0 {
		errs = append(errs, fmt.Errorf("turns must be >= 0, got %d", s.Turns))
	}
	if !s.EndedAt.IsZero() && s.EndedAt.Before(s.StartedAt) {
		errs = append(errs, errors.New("ended_at is before started_at"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("history: invalid session: %w", err)
	}
	return nil
}

// Store persists sessions. Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts or replaces a session. The session is validated first.
	Save(ctx context.Context, s *Session) error

	// Get returns the session with id, or (nil, nil) if none exists.
	Get(ctx context.Context, id string) (*Session, error)

	// List returns up to limit sessions, most recently ended first. A
	// non-positive limit means DefaultListLimit.
	List(ctx context.Context, limit int) ([]Session, error)

	// Close releases the backend.
	Close() error
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
