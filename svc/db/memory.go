package db

import (
	"context"
	"sync"
	"time"

	"ciphernotes/pkg/domain"
)

// Memory keeps records in a map guarded by one lock. Every operation is a
// single critical section, which makes reads, deletes and updates on one
// record linearizable.
type Memory struct {
	mu     sync.RWMutex
	pastes map[string]*domain.Paste
}

func NewMemory() *Memory {
	return &Memory{pastes: make(map[string]*domain.Paste)}
}

func (m *Memory) Insert(ctx context.Context, p *domain.Paste) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pastes[p.ID]; ok {
		return domain.ErrDuplicateID
	}
	m.pastes[p.ID] = p.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Paste, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pastes[id]
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pastes[id]
	return ok, nil
}

func (m *Memory) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pastes[id]
	if !ok {
		return domain.ErrPasteNotFound
	}
	p.Content = content
	p.UpdatedAt = &at
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pastes[id]; !ok {
		return false, nil
	}
	delete(m.pastes, id)
	return true, nil
}

func (m *Memory) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.pastes {
		if p.Expired(before) {
			delete(m.pastes, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, p := range m.pastes {
		if !p.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}
