package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-sync/cache"
	"prism-sync/domain"
	"prism-sync/mutation"
	"prism-sync/query"
	"prism-sync/storage"
	"prism-sync/subscription"
)

// mockAuth treats the bearer value as the owner identity.
type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	return strings.TrimPrefix(h, bearerPrefix), nil
}

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

type testServer struct {
	e       *echo.Echo
	store   *storage.MemoryStore
	gateway *mutation.Gateway
	reg     *prometheus.Registry
}

func newTestServer(t *testing.T, override func(*Deps)) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := storage.NewMemoryStore(nil, logger)
	c := cache.NewMemory(0)
	opts := subscription.Options{Logger: logger}
	gw := mutation.NewGateway(store, c, mutation.Options{Logger: logger})
	reg := prometheus.NewRegistry()
	d := Deps{
		Subscriptions: subscription.NewManager(store, c, opts),
		Pages:         subscription.NewPaginator(store, opts),
		Tasks:         gw,
		Auth:          mockAuth{},
		Logger:        logger,
		PageSize:      2,
		Registry:      reg,
	}
	if override != nil {
		override(&d)
	}
	e := echo.New()
	Register(e, d)
	return &testServer{e: e, store: store, gateway: gw, reg: reg}
}

func (s *testServer) do(method, target, owner, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if owner != "" {
		req.Header.Set(echo.HeaderAuthorization, bearerPrefix+owner)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) pageResponse {
	t.Helper()
	var resp pageResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return resp
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestCreateThenGetTasks(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/api/tasks", "u1", `{"title":"  Buy milk ","priority":"high"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var created createResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("unexpected create response %q: %v", rec.Body.String(), err)
	}

	rec = s.do(http.MethodGet, "/api/tasks?status=active", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	page := decodePage(t, rec)
	if len(page.Tasks) != 1 || page.Tasks[0].ID != created.ID || page.Tasks[0].Title != "Buy milk" {
		t.Fatalf("unexpected tasks %+v", page.Tasks)
	}
	if !page.FromServer || !page.Changed {
		t.Fatalf("expected a server confirmed page, got %+v", page)
	}

	rec = s.do(http.MethodGet, "/api/tasks", "u2", "")
	if page := decodePage(t, rec); len(page.Tasks) != 0 {
		t.Fatalf("tasks leaked across owners: %+v", page.Tasks)
	}
}

func TestGetTasksPaginates(t *testing.T) {
	s := newTestServer(t, nil)
	for _, title := range []string{"a", "b", "c"} {
		if rec := s.do(http.MethodPost, "/api/tasks", "u1", `{"title":"`+title+`"}`); rec.Code != http.StatusCreated {
			t.Fatalf("create: %d", rec.Code)
		}
	}

	first := decodePage(t, s.do(http.MethodGet, "/api/tasks", "u1", ""))
	if len(first.Tasks) != 2 || !first.HasMore || first.Cursor == "" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second := decodePage(t, s.do(http.MethodGet, "/api/tasks?cursor="+first.Cursor, "u1", ""))
	if len(second.Tasks) != 1 || second.HasMore || !second.Changed {
		t.Fatalf("unexpected second page %+v", second)
	}
	again := decodePage(t, s.do(http.MethodGet, "/api/tasks?cursor="+first.Cursor, "u1", ""))
	if !again.Changed || len(again.Tasks) != 1 || again.Cursor != "" {
		t.Fatalf("last page must load again from the same position, got %+v", again)
	}
}

func TestGetTasksRejectsBadFilter(t *testing.T) {
	s := newTestServer(t, nil)
	for _, target := range []string{"/api/tasks?pageSize=0", "/api/tasks?status=archived", "/api/tasks?view=someday"} {
		rec := s.do(http.MethodGet, target, "u1", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", target, rec.Code)
		}
	}
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, "/api/tasks", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Please sign in to continue." {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestUpdateRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t, nil)
	id, err := s.gateway.Create(context.Background(), "u1", domain.NewTask{Title: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := s.do(http.MethodPatch, "/api/tasks/"+id, "u1", `{"titel":"typo"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	rec = s.do(http.MethodPatch, "/api/tasks/"+id, "u1", `{"title":"Renamed","description":null}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d: %s", rec.Code, rec.Body.String())
	}
	doc, _ := s.store.Get(context.Background(), id)
	if doc == nil || doc.Title == nil || *doc.Title != "Renamed" {
		t.Fatalf("update not applied: %+v", doc)
	}
}

func TestForeignTaskIsForbidden(t *testing.T) {
	s := newTestServer(t, nil)
	id, err := s.gateway.Create(context.Background(), "u2", domain.NewTask{Title: "theirs"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := s.do(http.MethodDelete, "/api/tasks/"+id, "u1", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "You do not have access to this task." {
		t.Fatalf("unexpected message %q", msg)
	}
	if doc, _ := s.store.Get(context.Background(), id); doc == nil {
		t.Fatal("task must survive a foreign delete")
	}
}

func TestMoveAndSetOrder(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	one, three := 1.0, 3.0
	a, _ := s.gateway.Create(ctx, "u1", domain.NewTask{Title: "a", Order: &one})
	b, _ := s.gateway.Create(ctx, "u1", domain.NewTask{Title: "b", Order: &three})
	c, _ := s.gateway.Create(ctx, "u1", domain.NewTask{Title: "c"})

	rec := s.do(http.MethodPost, "/api/tasks/"+c+"/move", "u1", `{"beforeId":"`+a+`","afterId":"`+b+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var moved orderResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &moved); err != nil || moved.Order <= 1 || moved.Order >= 3 {
		t.Fatalf("unexpected move response %q", rec.Body.String())
	}

	if rec := s.do(http.MethodPut, "/api/tasks/"+c+"/order", "u1", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing order, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPut, "/api/tasks/"+c+"/order", "u1", `{"order":9}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	doc, _ := s.store.Get(ctx, c)
	if doc == nil || doc.Order == nil || *doc.Order != 9 {
		t.Fatalf("order not stored: %+v", doc)
	}
}

type failingPager struct{}

func (failingPager) Fetch(context.Context, string, domain.Filter) (domain.Page, error) {
	return domain.Page{}, domain.E(domain.CodeNetwork, "fetch", errors.New("table endpoint unreachable"))
}

func (failingPager) LoadMore(context.Context, string, domain.Filter, string) (domain.Page, bool, error) {
	return domain.Page{}, false, domain.E(domain.CodeNetwork, "load-more", errors.New("table endpoint unreachable"))
}

func TestStoreFailureShowsUserMessageOnly(t *testing.T) {
	s := newTestServer(t, func(d *Deps) { d.Pages = failingPager{} })
	rec := s.do(http.MethodGet, "/api/tasks", "u1", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "unreachable") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
	if msg := errorMessage(t, rec); msg != "Failed to load tasks. Please try again." {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodGet, "/healthz", "", "")
	rec := s.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "prism_sync_requests_total") {
		t.Fatalf("request metrics missing from %q", rec.Body.String())
	}
}

func serveStream(t *testing.T, s *testServer, target, owner string, wait time.Duration) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if owner != "" {
		req.Header.Set(echo.HeaderAuthorization, bearerPrefix+owner)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req = req.WithContext(ctx)
	rec := flushRecorder{httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		s.e.ServeHTTP(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		cancel()
		<-done
	}
	return rec.Body.String()
}

func TestStreamTasksSendsServerPage(t *testing.T) {
	s := newTestServer(t, nil)
	if _, err := s.gateway.Create(context.Background(), "u1", domain.NewTask{Title: "streamed"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	body := serveStream(t, s, "/api/tasks/stream", "u1", 100*time.Millisecond)
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("unexpected stream %q", body)
	}
	if !strings.Contains(body, `"title":"streamed"`) || !strings.Contains(body, `"fromServer":true`) {
		t.Fatalf("expected server page in %q", body)
	}
}

func TestStreamTasksAcceptsTokenQuery(t *testing.T) {
	s := newTestServer(t, nil)
	body := serveStream(t, s, "/api/tasks/stream?token=u1", "", 100*time.Millisecond)
	if !strings.Contains(body, `"fromServer":true`) {
		t.Fatalf("expected a page for a query token, got %q", body)
	}
}

type unavailableTransport struct{ storage.Transport }

func (unavailableTransport) Listen(context.Context, query.Query, func(storage.Snapshot), func(error)) (func(), error) {
	return nil, &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
}

func TestStreamTasksEndsWithErrorEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := newTestServer(t, func(d *Deps) {
		d.Subscriptions = subscription.NewManager(unavailableTransport{}, nil, subscription.Options{Logger: logger})
	})
	body := serveStream(t, s, "/api/tasks/stream", "u1", time.Second)

	want := `data: {"tasks":[],"hasMore":false,"fromServer":true}` + "\n\n" +
		`event: error` + "\n" + `data: {"error":"Failed to load tasks. Please try again."}` + "\n\n"
	if body != want {
		t.Fatalf("unexpected stream\n got %q\nwant %q", body, want)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected the failure to be logged, got %+v", entry)
	}
}
