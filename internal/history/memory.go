package history

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = clone(*s)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	out := clone(s)
	return &out, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, limit int) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int {
		if c := b.EndedAt.Compare(a.EndedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Close implements Store. It is a no-op.
func (m *MemoryStore) Close() error { return nil }

func clone(s Session) Session {
	s.Messages = slices.Clone(s.Messages)
	if s.Evaluation != nil {
		ev := *s.Evaluation
		ev.Suggestions = slices.Clone(ev.Suggestions)
		s.Evaluation = &ev
	}
	return s
}
