// Package cache keeps the last server confirmed result of each (owner, filter) pair so
// a new subscription can paint before the live feed answers.
package cache

import (
	"context"
	"time"

	"prism-sync/domain"
)

// DefaultTTL is how long an entry may be served after it was written.
const DefaultTTL = 5 * time.Minute

// Cache is the read cache contract shared by the in-process and Redis backends.
type Cache interface {
	// Get returns the entry for owner and f. Expired entries and entries written for a
	// different filter are misses.
	Get(ctx context.Context, owner string, f domain.Filter) ([]domain.Task, bool)
	// Set replaces the entry for owner and f.
	Set(ctx context.Context, owner string, f domain.Filter, tasks []domain.Task)
	// Invalidate drops every entry of owner regardless of filter.
	Invalidate(ctx context.Context, owner string) error
}

// Entry is one cached result.
type Entry struct {
	Tasks    []domain.Task `json:"tasks"`
	StoredAt time.Time     `json:"storedAt"`
	Filter   domain.Filter `json:"filter"`
}

func (e Entry) fresh(now time.Time, ttl time.Duration, f domain.Filter) bool {
	return e.Filter == f && now.Sub(e.StoredAt) <= ttl
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	if tasks == nil {
		return []domain.Task{}
	}
	return append([]domain.Task(nil), tasks...)
}
