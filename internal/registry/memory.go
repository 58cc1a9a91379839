package registry

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// Memory is an in-process Registry used by tests and single-instance runs.
type Memory struct {
	mu       sync.RWMutex
	conns    map[string]domain.Connection
	sessions map[string]map[string]struct{}
	users    map[string]map[string]struct{}
	now      func() time.Time
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		conns:    make(map[string]domain.Connection),
		sessions: make(map[string]map[string]struct{}),
		users:    make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

func (m *Memory) Put(_ context.Context, c domain.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(c)
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, c domain.Connection) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.ConnectionID]; ok {
		return false, nil
	}
	m.put(c)
	return true, nil
}

func (m *Memory) put(c domain.Connection) {
	if old, ok := m.conns[c.ConnectionID]; ok {
		m.unindex(old)
	}
	c.Metadata = maps.Clone(c.Metadata)
	m.conns[c.ConnectionID] = c
	m.index(c)
}

func (m *Memory) Get(_ context.Context, connID string) (domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	if !ok {
		return domain.Connection{}, ErrNotFound
	}
	c.Metadata = maps.Clone(c.Metadata)
	return c, nil
}

func (m *Memory) Remove(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil
	}
	m.unindex(c)
	delete(m.conns, connID)
	return nil
}

func (m *Memory) Touch(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivity = m.now()
	c.Status = domain.StatusConnected
	m.conns[connID] = c
	return nil
}

func (m *Memory) SetStatus(_ context.Context, connID string, status domain.ConnectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	m.conns[connID] = c
	return nil
}

func (m *Memory) SetSession(_ context.Context, connID, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return "", ErrNotFound
	}
	prev := c.SessionID
	m.unindex(c)
	c.SessionID = sessionID
	c.LastActivity = m.now()
	m.conns[connID] = c
	m.index(c)
	return prev, nil
}

func (m *Memory) ConnectionsForSession(_ context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.sessions[sessionID]), nil
}

func (m *Memory) ConnectionsForUser(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.users[userID]), nil
}

func (m *Memory) index(c domain.Connection) {
	if c.SessionID != "" {
		addMember(m.sessions, c.SessionID, c.ConnectionID)
	}
	if c.UserID != "" {
		addMember(m.users, c.UserID, c.ConnectionID)
	}
}

func (m *Memory) unindex(c domain.Connection) {
	removeMember(m.sessions, c.SessionID, c.ConnectionID)
	removeMember(m.users, c.UserID, c.ConnectionID)
}

func addMember(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeMember(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(set))
}
