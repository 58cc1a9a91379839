// Package memory is the conversation memory boundary: an append-only log of
// user and assistant turns per session.
package memory

import (
	"context"
	"sync"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// Store appends and reads conversation turns.
type Store interface {
	Append(ctx context.Context, turn domain.Turn) error
	// Recent returns up to limit most recent turns, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)
}

// InMemory is a process-local Store.
type InMemory struct {
	mu    sync.RWMutex
	turns map[string][]domain.Turn
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{turns: make(map[string][]domain.Turn)}
}

func (m *InMemory) Append(_ context.Context, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], turn)
	return nil
}

func (m *InMemory) Recent(_ context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.Turn, len(all))
	copy(out, all)
	return out, nil
}
