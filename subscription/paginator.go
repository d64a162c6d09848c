package subscription

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"prism-sync/domain"
	"prism-sync/query"
	"prism-sync/storage"
)

// DefaultFetchTimeout bounds a shared page fetch once it no longer follows the
// context of the caller that started it.
const DefaultFetchTimeout = 30 * time.Second

// Paginator fetches pages after the first one. Concurrent requests for the same
// position share one store fetch.
type Paginator struct {
	transport    storage.Transport
	log          *log.Logger
	metrics      *Metrics
	now          func() time.Time
	fetchTimeout time.Duration

	group singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64
}

// NewPaginator creates a Paginator over t.
func NewPaginator(t storage.Transport, opts Options) *Paginator {
	opts = opts.withDefaults()
	return &Paginator{
		transport:    t,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		fetchTimeout: DefaultFetchTimeout,
		gens:         make(map[string]uint64),
	}
}

func resultKey(owner string, f domain.Filter) string {
	return owner + "\x00" + f.Key()
}

// LoadMore returns the page following cursor. It reports changed=false without
// fetching when cursor is empty, which is how the last page of a result ends.
// A page whose filter was Reset while it was in flight is discarded the same way.
// Manual order pages are sorted on their own; merging them into a global order is
// left to the caller.
//
// Callers that join an in-flight fetch get its page even if the caller that started
// it gives up. Each caller stops waiting when its own ctx is done.
func (p *Paginator) LoadMore(ctx context.Context, owner string, f domain.Filter, cursor string) (domain.Page, bool, error) {
	const op = "load-more"
	if owner == "" {
		return domain.Page{}, false, domain.E(domain.CodeAuthRequired, op, nil)
	}
	if cursor == "" {
		return domain.Page{}, false, nil
	}
	f = f.Normalize()
	q, err := query.Build(owner, f, cursor, p.now())
	if err != nil {
		return domain.Page{}, false, domain.Invalid(op, err.Error())
	}

	rk := resultKey(owner, f)
	p.mu.Lock()
	gen := p.gens[rk]
	p.mu.Unlock()

	ch := p.group.DoChan(rk+"\x00"+cursor, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
		defer cancel()
		return p.fetch(fctx, op, q)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.Page{}, false, domain.Classify(op, ctx.Err())
	}
	if res.Err != nil {
		return domain.Page{}, false, res.Err
	}
	page := res.Val.(domain.Page)
	page.Tasks = append([]domain.Task(nil), page.Tasks...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gens[rk] != gen {
		p.log.WithFields(log.Fields{"owner": owner, "filter": f.Key()}).Debug("discarding page for a replaced filter")
		return domain.Page{}, false, nil
	}
	if res.Shared {
		p.log.WithFields(log.Fields{"owner": owner, "filter": f.Key()}).Debug("joined in-flight page fetch")
	}
	return page, true, nil
}

// Fetch runs the first page of f once, without a live listener.
func (p *Paginator) Fetch(ctx context.Context, owner string, f domain.Filter) (domain.Page, error) {
	const op = "fetch"
	if owner == "" {
		return domain.Page{}, domain.E(domain.CodeAuthRequired, op, nil)
	}
	q, err := query.Build(owner, f.Normalize(), "", p.now())
	if err != nil {
		return domain.Page{}, domain.Invalid(op, err.Error())
	}
	return p.fetch(ctx, op, q)
}

// Reset marks the pages of owner and f still in flight as stale. They are discarded
// when they arrive.
func (p *Paginator) Reset(owner string, f domain.Filter) {
	rk := resultKey(owner, f.Normalize())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gens[rk]++
}

func (p *Paginator) fetch(ctx context.Context, op string, q query.Query) (domain.Page, error) {
	snap, err := p.transport.Query(ctx, q)
	if err != nil {
		de := domain.Classify(op, err)
		p.metrics.fetched("error")
		p.metrics.failed(op, de.Code)
		p.log.WithError(err).WithFields(log.Fields{"owner": q.Owner, "filter": q.Filter.Key(), "op": op, "code": de.Code}).Error("task page fetch failed")
		return domain.Page{}, de
	}
	p.metrics.fetched("ok")
	tasks := mapDocuments(p.log, p.now(), q.Owner, snap.Documents)
	if q.ManualSort {
		domain.SortByOrder(tasks)
	}
	return domain.Page{Tasks: tasks, Cursor: snap.Cursor, HasMore: snap.HasMore, FromServer: true}, nil
}
