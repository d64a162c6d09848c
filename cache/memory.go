package cache

import (
	"context"
	"sync"
	"time"

	"prism-sync/domain"
)

// Memory is an in-process cache organised as owner -> filter key -> entry.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]Entry
}

// NewMemory creates an empty cache. A non-positive ttl selects DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]Entry),
	}
}

func (m *Memory) Get(_ context.Context, owner string, f domain.Filter) ([]domain.Task, bool) {
	f = f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	byFilter, ok := m.entries[owner]
	if !ok {
		return nil, false
	}
	e, ok := byFilter[f.Key()]
	if !ok {
		return nil, false
	}
	if !e.fresh(m.now(), m.ttl, f) {
		delete(byFilter, f.Key())
		return nil, false
	}
	return cloneTasks(e.Tasks), true
}

func (m *Memory) Set(_ context.Context, owner string, f domain.Filter, tasks []domain.Task) {
	f = f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	byFilter, ok := m.entries[owner]
	if !ok {
		byFilter = make(map[string]Entry)
		m.entries[owner] = byFilter
	}
	byFilter[f.Key()] = Entry{Tasks: cloneTasks(tasks), StoredAt: m.now(), Filter: f}
}

func (m *Memory) Invalidate(_ context.Context, owner string) error {
	m.mu.Lock()
	delete(m.entries, owner)
	m.mu.Unlock()
	return nil
}
