package subscription

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-sync/cache"
	"prism-sync/domain"
	"prism-sync/query"
	"prism-sync/storage"
)

type stubTransport struct {
	queryFn  func(ctx context.Context, q query.Query) (storage.Snapshot, error)
	listenFn func(ctx context.Context, q query.Query, onSnapshot func(storage.Snapshot), onError func(error)) (func(), error)
}

func (s *stubTransport) Query(ctx context.Context, q query.Query) (storage.Snapshot, error) {
	if s.queryFn == nil {
		return storage.Snapshot{}, errors.New("unexpected Query call")
	}
	return s.queryFn(ctx, q)
}

func (s *stubTransport) Listen(ctx context.Context, q query.Query, onSnapshot func(storage.Snapshot), onError func(error)) (func(), error) {
	if s.listenFn == nil {
		return nil, errors.New("unexpected Listen call")
	}
	return s.listenFn(ctx, q, onSnapshot, onError)
}

func (s *stubTransport) Get(context.Context, string) (*domain.TaskDocument, error) {
	return nil, errors.New("unexpected Get call")
}

func (s *stubTransport) Count(context.Context, string) (int, error) {
	return 0, errors.New("unexpected Count call")
}

func (s *stubTransport) Create(context.Context, string, domain.WirePatch) (string, error) {
	return "", errors.New("unexpected Create call")
}

func (s *stubTransport) Patch(context.Context, string, string, domain.WirePatch) error {
	return errors.New("unexpected Patch call")
}

func (s *stubTransport) Delete(context.Context, string, string) error {
	return errors.New("unexpected Delete call")
}

type pageRecorder struct {
	mu    sync.Mutex
	pages []domain.Page
	ch    chan domain.Page
}

func newPageRecorder() *pageRecorder { return &pageRecorder{ch: make(chan domain.Page, 64)} }

func (r *pageRecorder) cb(p domain.Page) {
	r.mu.Lock()
	r.pages = append(r.pages, p)
	r.mu.Unlock()
	r.ch <- p
}

func (r *pageRecorder) next(t *testing.T) domain.Page {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a page")
	}
	return domain.Page{}
}

func (r *pageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

func fiveTasks() []domain.Task {
	out := make([]domain.Task, 5)
	for i := range out {
		out[i] = domain.Task{ID: string(rune('a' + i)), Title: "cached", OwnerID: "u1"}
	}
	return out
}

func TestWarmCacheDoesNotClearLoading(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(0)
	f := domain.Filter{}
	c.Set(ctx, "u1", f, fiveTasks())
	store := storage.NewMemoryStore(nil, nil)
	logger, _ := test.NewNullLogger()
	m := NewManager(store, c, Options{Logger: logger})

	loading := true
	var mu sync.Mutex
	rec := newPageRecorder()
	sub, err := m.Subscribe(ctx, "u1", f, func(p domain.Page) {
		mu.Lock()
		if p.FromServer {
			loading = false
		}
		mu.Unlock()
		rec.cb(p)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	first := rec.next(t)
	if first.FromServer || len(first.Tasks) != 5 {
		t.Fatalf("expected provisional cached page of 5, got fromServer=%v len=%d", first.FromServer, len(first.Tasks))
	}
	second := rec.next(t)
	if !second.FromServer || len(second.Tasks) != 0 {
		t.Fatalf("expected server page of 0, got fromServer=%v len=%d", second.FromServer, len(second.Tasks))
	}
	mu.Lock()
	defer mu.Unlock()
	if loading {
		t.Fatal("server page must clear loading")
	}
	if got, ok := c.Get(ctx, "u1", f); !ok || len(got) != 0 {
		t.Fatalf("server snapshot must refresh the cache, got %v %v", got, ok)
	}
}

func TestCachedPageIsDeliveredSynchronously(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(0)
	c.Set(ctx, "u1", domain.Filter{}, fiveTasks())
	m := NewManager(&stubTransport{
		listenFn: func(context.Context, query.Query, func(storage.Snapshot), func(error)) (func(), error) {
			return func() {}, nil
		},
	}, c, Options{})

	var got []domain.Page
	sub, err := m.Subscribe(ctx, "u1", domain.Filter{}, func(p domain.Page) { got = append(got, p) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if len(got) != 1 || got[0].FromServer {
		t.Fatalf("expected one provisional page before Subscribe returned, got %v", got)
	}
	if sub.State() != StateLive {
		t.Fatalf("expected live state, got %s", sub.State())
	}
}

func TestListenerErrorDeliversEmptyServerPage(t *testing.T) {
	logger, hook := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	denied := &azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "AuthorizationFailure"}
	m := NewManager(&stubTransport{
		listenFn: func(_ context.Context, _ query.Query, _ func(storage.Snapshot), onError func(error)) (func(), error) {
			go onError(denied)
			return func() {}, nil
		},
	}, nil, Options{Logger: logger, Metrics: metrics})

	rec := newPageRecorder()
	sub, err := m.Subscribe(context.Background(), "u1", domain.Filter{}, rec.cb)
	if err != nil {
		t.Fatalf("subscribe must not fail on listener errors: %v", err)
	}
	p := rec.next(t)
	if !p.FromServer || len(p.Tasks) != 0 {
		t.Fatalf("expected empty server page, got %+v", p)
	}
	if sub.State() != StateClosedError {
		t.Fatalf("expected closed(error), got %s", sub.State())
	}
	if domain.CodeOf(sub.Err()) != domain.CodeNetwork {
		t.Fatalf("expected network error, got %v", sub.Err())
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel || entry.Data["code"] != domain.CodeNetwork {
		t.Fatalf("expected error log with code, got %+v", entry)
	}
	if v := testutil.ToFloat64(metrics.failures.WithLabelValues("subscribe", string(domain.CodeNetwork))); v != 1 {
		t.Fatalf("expected one failure counted, got %v", v)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestListenFailureIsDeliveredToCallback(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewManager(&stubTransport{
		listenFn: func(context.Context, query.Query, func(storage.Snapshot), func(error)) (func(), error) {
			return nil, errors.New("dial failed")
		},
	}, nil, Options{Logger: logger})

	var got []domain.Page
	sub, err := m.Subscribe(context.Background(), "u1", domain.Filter{}, func(p domain.Page) { got = append(got, p) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 1 || !got[0].FromServer {
		t.Fatalf("expected one server confirmed empty page, got %v", got)
	}
	if domain.CodeOf(sub.Err()) != domain.CodeUnknown {
		t.Fatalf("expected unknown error, got %v", sub.Err())
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	var (
		deliver func(storage.Snapshot)
		stops   int
	)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := NewManager(&stubTransport{
		listenFn: func(_ context.Context, _ query.Query, onSnapshot func(storage.Snapshot), _ func(error)) (func(), error) {
			deliver = onSnapshot
			return func() { stops++ }, nil
		},
	}, nil, Options{Metrics: metrics})

	calls := 0
	sub, err := m.Subscribe(context.Background(), "u1", domain.Filter{}, func(domain.Page) { calls++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deliver(storage.Snapshot{FromServer: true})
	if calls != 1 {
		t.Fatalf("expected 1 delivery, got %d", calls)
	}
	if v := testutil.ToFloat64(metrics.active); v != 1 {
		t.Fatalf("expected 1 active subscription, got %v", v)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	deliver(storage.Snapshot{FromServer: true})

	if calls != 1 {
		t.Fatalf("no delivery expected after unsubscribe, got %d", calls)
	}
	if stops != 1 {
		t.Fatalf("expected listener to be stopped once, got %d", stops)
	}
	if sub.State() != StateClosed {
		t.Fatalf("expected closed, got %s", sub.State())
	}
	if v := testutil.ToFloat64(metrics.active); v != 0 {
		t.Fatalf("expected no active subscriptions, got %v", v)
	}
}

func TestUnsubscribeFromInsideCallback(t *testing.T) {
	var deliver func(storage.Snapshot)
	m := NewManager(&stubTransport{
		listenFn: func(_ context.Context, _ query.Query, onSnapshot func(storage.Snapshot), _ func(error)) (func(), error) {
			deliver = onSnapshot
			return func() {}, nil
		},
	}, nil, Options{})

	var sub *Subscription
	calls := 0
	sub, err := m.Subscribe(context.Background(), "u1", domain.Filter{}, func(domain.Page) {
		calls++
		sub.Unsubscribe()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deliver(storage.Snapshot{FromServer: true})
	deliver(storage.Snapshot{FromServer: true})
	if calls != 1 {
		t.Fatalf("expected a single delivery, got %d", calls)
	}
	if sub.State() != StateClosed {
		t.Fatalf("expected closed, got %s", sub.State())
	}
}

func TestNoCallbackStartsAfterConcurrentUnsubscribe(t *testing.T) {
	var deliver func(storage.Snapshot)
	m := NewManager(&stubTransport{
		listenFn: func(_ context.Context, _ query.Query, onSnapshot func(storage.Snapshot), _ func(error)) (func(), error) {
			deliver = onSnapshot
			return func() {}, nil
		},
	}, nil, Options{})

	var (
		returned  atomic.Bool
		late      atomic.Int32
		delivered atomic.Int32
	)
	sub, err := m.Subscribe(context.Background(), "u1", domain.Filter{}, func(domain.Page) {
		if returned.Load() {
			late.Add(1)
		}
		delivered.Add(1)
		time.Sleep(time.Millisecond)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					deliver(storage.Snapshot{FromServer: true})
				}
			}
		}()
	}
	for delivered.Load() < 5 {
		time.Sleep(time.Millisecond)
	}
	sub.Unsubscribe()
	returned.Store(true)
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	if n := late.Load(); n != 0 {
		t.Fatalf("%d callbacks started after Unsubscribe returned", n)
	}
}

func TestUnsubscribeDuringCallbackDoesNotBlock(t *testing.T) {
	var deliver func(storage.Snapshot)
	m := NewManager(&stubTransport{
		listenFn: func(_ context.Context, _ query.Query, onSnapshot func(storage.Snapshot), _ func(error)) (func(), error) {
			deliver = onSnapshot
			return func() {}, nil
		},
	}, nil, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	sub, err := m.Subscribe(context.Background(), "u1", domain.Filter{}, func(domain.Page) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go deliver(storage.Snapshot{FromServer: true})
	<-entered

	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe from another goroutine blocked")
	}
	close(release)
	deliver(storage.Snapshot{FromServer: true})
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single delivery, got %d", n)
	}
	if sub.State() != StateClosed {
		t.Fatalf("expected closed, got %s", sub.State())
	}
}

func TestManualSortIsAppliedToSnapshots(t *testing.T) {
	order := func(v float64) *float64 { return &v }
	created := domain.FormatWireTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mk := func(id string, o *float64) domain.TaskDocument {
		title := id
		return domain.TaskDocument{PartitionKey: "u1", RowKey: id, Title: &title, CreatedAt: &created, UpdatedAt: &created, Order: o}
	}
	m := NewManager(&stubTransport{
		listenFn: func(_ context.Context, q query.Query, onSnapshot func(storage.Snapshot), _ func(error)) (func(), error) {
			if !q.ManualSort {
				t.Errorf("expected manual sort query")
			}
			onSnapshot(storage.Snapshot{FromServer: true, Documents: []domain.TaskDocument{
				mk("3", nil), mk("2", order(3)), mk("1", order(1)),
			}})
			return func() {}, nil
		},
	}, nil, Options{})

	var got domain.Page
	sub, err := m.Subscribe(context.Background(), "u1", domain.Filter{Sort: domain.SortManual}, func(p domain.Page) { got = p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if len(got.Tasks) != 3 || got.Tasks[0].ID != "1" || got.Tasks[1].ID != "2" || got.Tasks[2].ID != "3" {
		t.Fatalf("unexpected order %+v", got.Tasks)
	}
}

func TestMalformedDocumentsAreLoggedNotFatal(t *testing.T) {
	logger, hook := test.NewNullLogger()
	bad := "last tuesday"
	title := "odd"
	m := NewManager(&stubTransport{
		listenFn: func(_ context.Context, _ query.Query, onSnapshot func(storage.Snapshot), _ func(error)) (func(), error) {
			onSnapshot(storage.Snapshot{FromServer: true, Documents: []domain.TaskDocument{{PartitionKey: "u1", RowKey: "t1", Title: &title, CreatedAt: &bad}}})
			return func() {}, nil
		},
	}, nil, Options{Logger: logger})

	var got domain.Page
	sub, err := m.Subscribe(context.Background(), "u1", domain.Filter{}, func(p domain.Page) { got = p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if len(got.Tasks) != 1 || got.Tasks[0].CreatedAt.IsZero() {
		t.Fatalf("expected a substituted task, got %+v", got.Tasks)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel || entry.Data["task"] != "t1" {
		t.Fatalf("expected malformed warning, got %+v", entry)
	}
}

func TestSubscribeValidation(t *testing.T) {
	m := NewManager(&stubTransport{}, nil, Options{})
	noop := func(domain.Page) {}

	if _, err := m.Subscribe(context.Background(), "", domain.Filter{}, noop); domain.CodeOf(err) != domain.CodeAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED, got %v", err)
	}
	if _, err := m.Subscribe(context.Background(), "u1", domain.Filter{Status: "archived"}, noop); domain.CodeOf(err) != domain.CodeInvalidData {
		t.Fatalf("expected INVALID_DATA, got %v", err)
	}
	if _, err := m.Subscribe(context.Background(), "u1", domain.Filter{}, nil); domain.CodeOf(err) != domain.CodeInvalidData {
		t.Fatalf("expected INVALID_DATA for nil callback, got %v", err)
	}
}

func TestWatchClosesOnCancel(t *testing.T) {
	store := storage.NewMemoryStore(nil, nil)
	m := NewManager(store, cache.NewMemory(0), Options{})
	ctx, cancel := context.WithCancel(context.Background())

	ch, sub, err := m.Watch(ctx, "u1", domain.Filter{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	select {
	case p := <-ch:
		if !p.FromServer {
			t.Fatalf("expected server page")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no page received")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if sub.State() != StateClosed {
					t.Fatalf("expected closed subscription, got %s", sub.State())
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
