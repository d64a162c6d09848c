// Package storage holds the remote document store transports: a one-shot query, a
// live listener yielding snapshots with provenance, and writes addressed by identifier.
package storage

import (
	"context"

	"prism-sync/domain"
	"prism-sync/query"
)

// Snapshot is one batch of documents delivered for a query.
type Snapshot struct {
	Documents []domain.TaskDocument
	// FromServer is false when the batch was served from a local replica.
	FromServer bool
	Cursor     string
	HasMore    bool
}

// Transport is the store contract consumed by subscriptions, pagination and writes.
type Transport interface {
	// Query runs q once against the server.
	Query(ctx context.Context, q query.Query) (Snapshot, error)
	// Listen delivers snapshots for q in emission order until stop is called or ctx
	// ends. onError is invoked at most once, after which no snapshots follow.
	Listen(ctx context.Context, q query.Query, onSnapshot func(Snapshot), onError func(error)) (stop func(), err error)
	// Get returns nil without error when no document has the identifier.
	Get(ctx context.Context, id string) (*domain.TaskDocument, error)
	// Count returns how many documents belong to owner.
	Count(ctx context.Context, owner string) (int, error)
	// Create stores a new document and returns its identifier.
	Create(ctx context.Context, owner string, p domain.WirePatch) (string, error)
	// Patch merges p into an existing document; ErrNotFound if absent.
	Patch(ctx context.Context, owner, id string, p domain.WirePatch) error
	// Delete removes a document; ErrNotFound if absent.
	Delete(ctx context.Context, owner, id string) error
}

// EventPublisher receives an event for every committed write.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.TaskEvent) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.TaskEvent) error { return nil }
