// Package subscription keeps live task pages flowing to callers: it serves the read
// cache first, attaches a store listener, normalises every snapshot and paginates on
// demand.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-sync/cache"
	"prism-sync/domain"
	"prism-sync/query"
	"prism-sync/storage"
)

// State is the lifecycle position of a subscription.
type State int32

const (
	StateIdle State = iota
	StateAttaching
	StateLive
	StateClosed
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	case StateClosedError:
		return "closed(error)"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	sourceCache   = "cache"
	sourceReplica = "replica"
	sourceServer  = "server"
)

// Options configures a Manager or a Paginator.
type Options struct {
	Logger  *log.Logger
	Metrics *Metrics
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager opens live subscriptions against a store transport.
type Manager struct {
	transport storage.Transport
	cache     cache.Cache
	log       *log.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewManager creates a Manager. c may be nil to disable the read cache.
func NewManager(t storage.Transport, c cache.Cache, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{transport: t, cache: c, log: opts.Logger, metrics: opts.Metrics, now: opts.Now}
}

// Subscription is one live feed of pages for an owner and filter.
type Subscription struct {
	m      *Manager
	owner  string
	filter domain.Filter
	q      query.Query
	cb     func(domain.Page)
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// deliverMu is held from the closed check of a delivery until its callback returns,
	// so Unsubscribe can wait out a delivery that already passed the check.
	deliverMu  sync.Mutex
	inCallback atomic.Bool

	mu     sync.Mutex
	closed bool
	stop   func()
	err    *domain.Error
}

// Subscribe validates the request, delivers a warm cache entry synchronously with
// FromServer false, and attaches a store listener. Only validation failures are
// returned; listener failures reach cb as an empty server confirmed page.
func (m *Manager) Subscribe(ctx context.Context, owner string, f domain.Filter, cb func(domain.Page)) (*Subscription, error) {
	const op = "subscribe"
	if owner == "" {
		return nil, domain.E(domain.CodeAuthRequired, op, nil)
	}
	if cb == nil {
		return nil, domain.Invalid(op, "callback is required")
	}
	f = f.Normalize()
	q, err := query.Build(owner, f, "", m.now())
	if err != nil {
		return nil, domain.Invalid(op, err.Error())
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{m: m, owner: owner, filter: f, q: q, cb: cb, ctx: sctx, cancel: cancel}
	m.metrics.subscribed()

	if m.cache != nil {
		if tasks, ok := m.cache.Get(sctx, owner, f); ok {
			m.log.WithFields(log.Fields{"owner": owner, "filter": f.Key(), "tasks": len(tasks)}).Debug("serving cached tasks")
			s.deliver(domain.Page{Tasks: tasks, FromServer: false}, sourceCache)
		}
	}

	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateAttaching)) {
		// Unsubscribed from within the cached delivery.
		return s, nil
	}
	stop, err := m.transport.Listen(sctx, q, s.onSnapshot, s.onError)
	if err != nil {
		s.onError(err)
		return s, nil
	}
	s.state.CompareAndSwap(int32(StateAttaching), int32(StateLive))

	s.mu.Lock()
	if s.closed || s.err != nil {
		s.mu.Unlock()
		stop()
		return s, nil
	}
	s.stop = stop
	s.mu.Unlock()
	return s, nil
}

// State reports the lifecycle position.
func (s *Subscription) State() State { return State(s.state.Load()) }

// Err returns the failure that closed the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

// Unsubscribe stops deliveries and detaches the listener. Once it returns no callback
// begins, even for snapshots the listener already holds. Called from another goroutine
// it waits for a delivery that passed its closed check; called from inside the
// callback it returns at once. It is safe to call any number of times, including after
// a listener failure.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if !s.inCallback.Load() {
		s.deliverMu.Lock()
		s.deliverMu.Unlock()
	}

	if s.State() != StateClosedError {
		s.state.Store(int32(StateClosed))
	}
	if stop != nil {
		stop()
	}
	s.cancel()
	s.m.metrics.unsubscribed()
}

func (s *Subscription) deliver(p domain.Page, source string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.m.metrics.delivered(source)
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	s.cb(p)
}

func (s *Subscription) onSnapshot(snap storage.Snapshot) {
	s.mu.Lock()
	done := s.closed || s.err != nil
	s.mu.Unlock()
	if done {
		return
	}

	page, err := s.process(snap)
	if err != nil {
		s.onError(err)
		return
	}
	source := sourceReplica
	if snap.FromServer {
		source = sourceServer
	}
	s.deliver(page, source)
}

// process maps, orders and caches a snapshot. A panic becomes a PROCESSING_ERROR.
func (s *Subscription) process(snap storage.Snapshot) (page domain.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.E(domain.CodeProcessing, "subscribe", fmt.Errorf("snapshot processing panicked: %v", r))
		}
	}()
	tasks := s.m.toTasks(s.owner, snap.Documents)
	if s.q.ManualSort {
		domain.SortByOrder(tasks)
	}
	if snap.FromServer && s.m.cache != nil {
		s.m.cache.Set(s.ctx, s.owner, s.filter, tasks)
	}
	return domain.Page{Tasks: tasks, Cursor: snap.Cursor, HasMore: snap.HasMore, FromServer: snap.FromServer}, nil
}

func (s *Subscription) onError(err error) {
	de := domain.Classify("subscribe", err)
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = de
	stop := s.stop
	s.stop = nil
	closed := s.closed
	s.mu.Unlock()

	s.state.Store(int32(StateClosedError))
	s.m.metrics.failed("subscribe", de.Code)
	s.m.log.WithError(de.Err).WithFields(log.Fields{
		"owner":  s.owner,
		"filter": s.filter.Key(),
		"code":   de.Code,
	}).Error("task subscription failed")

	if !closed {
		s.deliver(domain.Page{Tasks: []domain.Task{}, FromServer: true}, sourceServer)
	}
	if stop != nil {
		stop()
	}
}

// toTasks maps wire documents to tasks, logging documents that needed substitutions.
func (m *Manager) toTasks(owner string, docs []domain.TaskDocument) []domain.Task {
	return mapDocuments(m.log, m.now(), owner, docs)
}

func mapDocuments(logger *log.Logger, now time.Time, owner string, docs []domain.TaskDocument) []domain.Task {
	tasks := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		t, malformed := domain.ToDomain(d, now)
		if len(malformed) > 0 {
			logger.WithFields(log.Fields{"owner": owner, "task": d.RowKey, "fields": malformed}).Warn("malformed task document")
		}
		tasks = append(tasks, t)
	}
	return tasks
}
