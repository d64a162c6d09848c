package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/query"
)

type memListener struct {
	q          query.Query
	onSnapshot func(Snapshot)
	onError    func(error)
	box        *mailbox
}

// MemoryStore is an in-process store with a live change feed. Each listener first
// receives the replica of its last server answer, if any, and then the server answer.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string]domain.TaskDocument
	listeners map[*memListener]struct{}
	replica   map[string][]domain.TaskDocument
	events    EventPublisher
	now       func() time.Time
	log       *log.Logger
}

// NewMemoryStore creates an empty store. events may be nil.
func NewMemoryStore(events EventPublisher, logger *log.Logger) *MemoryStore {
	if events == nil {
		events = noopPublisher{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &MemoryStore{
		docs:      make(map[string]domain.TaskDocument),
		listeners: make(map[*memListener]struct{}),
		replica:   make(map[string][]domain.TaskDocument),
		events:    events,
		now:       time.Now,
		log:       logger,
	}
}

func replicaKey(owner string, q query.Query) string {
	return owner + "|" + q.Key()
}

// evaluate must be called with s.mu held.
func (s *MemoryStore) evaluate(q query.Query) (Snapshot, error) {
	docs := make([]domain.TaskDocument, 0, len(s.docs))
	for _, d := range s.docs {
		if d.PartitionKey == q.Owner {
			docs = append(docs, d)
		}
	}
	res, err := query.Apply(q, docs)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Documents: res.Documents, FromServer: true, Cursor: res.Cursor, HasMore: res.HasMore}, nil
}

func (s *MemoryStore) Query(ctx context.Context, q query.Query) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluate(q)
}

func (s *MemoryStore) Listen(ctx context.Context, q query.Query, onSnapshot func(Snapshot), onError func(error)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &memListener{q: q, onSnapshot: onSnapshot, onError: onError, box: newMailbox()}

	s.mu.Lock()
	if docs, ok := s.replica[replicaKey(q.Owner, q)]; ok {
		cached := Snapshot{Documents: docs}
		l.box.push(func() { onSnapshot(cached) })
	}
	s.listeners[l] = struct{}{}
	s.deliverLocked(l)
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, l)
			s.mu.Unlock()
			l.box.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-l.box.done:
		}
	}()
	return stop, nil
}

// deliverLocked queues the current server answer for l. s.mu must be held.
func (s *MemoryStore) deliverLocked(l *memListener) {
	snap, err := s.evaluate(l.q)
	if err != nil {
		s.failLocked(l, err)
		return
	}
	s.replica[replicaKey(l.q.Owner, l.q)] = snap.Documents
	l.box.push(func() { l.onSnapshot(snap) })
}

func (s *MemoryStore) failLocked(l *memListener, err error) {
	delete(s.listeners, l)
	box := l.box
	l.box.push(func() {
		l.onError(err)
		box.close()
	})
}

func (s *MemoryStore) notifyLocked(owner string) {
	for l := range s.listeners {
		if l.q.Owner == owner {
			s.deliverLocked(l)
		}
	}
}

// FailListeners terminates every listener of owner with err.
func (s *MemoryStore) FailListeners(owner string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		if l.q.Owner == owner {
			s.failLocked(l, err)
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.TaskDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *MemoryStore) Count(ctx context.Context, owner string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.docs {
		if d.PartitionKey == owner {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Create(ctx context.Context, owner string, p domain.WirePatch) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	doc, err := domain.DocumentFromWire(owner, id.String(), p)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.docs[doc.RowKey] = doc
	s.notifyLocked(owner)
	s.mu.Unlock()

	s.publish(ctx, domain.TaskCreated, owner, doc.RowKey, p)
	return doc.RowKey, nil
}

func (s *MemoryStore) Patch(ctx context.Context, owner, id string, p domain.WirePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	doc, ok := s.docs[id]
	if !ok || doc.PartitionKey != owner {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	updated, err := domain.ApplyPatch(doc, p)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[id] = updated
	s.notifyLocked(owner)
	s.mu.Unlock()

	s.publish(ctx, domain.TaskUpdated, owner, id, p)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, owner, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	doc, ok := s.docs[id]
	if !ok || doc.PartitionKey != owner {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.docs, id)
	s.notifyLocked(owner)
	s.mu.Unlock()

	s.publish(ctx, domain.TaskDeleted, owner, id, nil)
	return nil
}

func (s *MemoryStore) publish(ctx context.Context, typ, owner, id string, p domain.WirePatch) {
	ev := domain.TaskEvent{Type: typ, OwnerID: owner, TaskID: id, Fields: p.Keys(), Time: s.now().UnixMilli()}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"owner": owner, "task": id}).Error("failed to publish task event")
	}
}
