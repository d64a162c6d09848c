// Package api exposes task subscriptions, pagination and writes over HTTP and
// server-sent events.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/subscription"
)

const maxBodySize = 64 << 10

// Subscriber opens live task feeds.
type Subscriber interface {
	Watch(ctx context.Context, owner string, f domain.Filter) (<-chan domain.Page, *subscription.Subscription, error)
}

// Pager serves one-shot pages.
type Pager interface {
	Fetch(ctx context.Context, owner string, f domain.Filter) (domain.Page, error)
	LoadMore(ctx context.Context, owner string, f domain.Filter, cursor string) (domain.Page, bool, error)
}

// Writer persists task writes.
type Writer interface {
	Create(ctx context.Context, owner string, in domain.NewTask) (string, error)
	Update(ctx context.Context, owner, id string, p domain.TaskPatch) error
	Remove(ctx context.Context, owner, id string) error
	SetOrder(ctx context.Context, owner, id string, order float64) error
	Move(ctx context.Context, owner, id, beforeID, afterID string) (float64, error)
	Invalidate(ctx context.Context, owner string) error
}

// Authenticator resolves the owner of a request.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Subscriptions Subscriber
	Pages         Pager
	Tasks         Writer
	Auth          Authenticator
	Logger        *log.Logger
	// PageSize applies when a request does not ask for one.
	PageSize int
	// Registry receives request metrics and backs /metrics. Nil uses the default registry.
	Registry *prometheus.Registry
}

type handlers struct {
	Deps
}

// Register wires up all routes on e.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.PageSize <= 0 {
		d.PageSize = domain.DefaultPageSize
	}
	h := &handlers{Deps: d}

	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = h.httpError

	mwCfg := echoprometheus.MiddlewareConfig{Subsystem: "prism_sync"}
	handlerCfg := echoprometheus.HandlerConfig{}
	if d.Registry != nil {
		mwCfg.Registerer = d.Registry
		handlerCfg.Gatherer = d.Registry
	}
	e.Use(echoprometheus.NewMiddlewareWithConfig(mwCfg))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(handlerCfg))
	e.GET("/healthz", healthz)

	e.GET("/api/tasks", observe(d.Logger, "/api/tasks", h.getTasks))
	e.GET("/api/tasks/stream", h.streamTasks)
	e.POST("/api/tasks", observe(d.Logger, "/api/tasks", h.createTask))
	e.PATCH("/api/tasks/:id", observe(d.Logger, "/api/tasks/:id", h.updateTask))
	e.DELETE("/api/tasks/:id", observe(d.Logger, "/api/tasks/:id", h.removeTask))
	e.PUT("/api/tasks/:id/order", observe(d.Logger, "/api/tasks/:id/order", h.setOrder))
	e.POST("/api/tasks/:id/move", observe(d.Logger, "/api/tasks/:id/move", h.moveTask))
	e.POST("/api/cache/invalidate", observe(d.Logger, "/api/cache/invalidate", h.invalidate))
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type pageResponse struct {
	Tasks      []domain.Task `json:"tasks"`
	Cursor     string        `json:"cursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
	FromServer bool          `json:"fromServer"`
	// Changed is false when a continuation request had nothing to load.
	Changed bool `json:"changed"`
}

type createResponse struct {
	ID string `json:"id"`
}

type orderRequest struct {
	Order *float64 `json:"order"`
}

type moveRequest struct {
	BeforeID string `json:"beforeId"`
	AfterID  string `json:"afterId"`
}

type orderResponse struct {
	Order float64 `json:"order"`
}

// owner authenticates the request. A failure has already been written to the response.
func (h *handlers) owner(c echo.Context, m *requestMetrics) (string, bool) {
	start := time.Now()
	owner, err := h.Auth.UserIDFromAuthHeader(authHeader(c))
	m.ObserveAuth(time.Since(start))
	if err != nil {
		h.Logger.WithError(err).WithField("route", c.Path()).Debug("authentication failed")
		m.Fail("auth", domain.CodeAuthRequired)
		_ = writeError(c, domain.E(domain.CodeAuthRequired, "auth", err))
		return "", false
	}
	return owner, true
}

func (h *handlers) getTasks(c echo.Context) error {
	m := metricsFrom(c)
	owner, ok := h.owner(c, m)
	if !ok {
		return nil
	}
	f, err := h.filterFromQuery(c)
	if err != nil {
		m.Fail("invalid_filter", domain.CodeInvalidData)
		return writeError(c, err)
	}
	cursor := c.QueryParam("cursor")
	m.SetCursorProvided(cursor != "")

	ctx := c.Request().Context()
	start := time.Now()
	var (
		page    domain.Page
		changed = true
	)
	if cursor == "" {
		page, err = h.Pages.Fetch(ctx, owner, f)
	} else {
		page, changed, err = h.Pages.LoadMore(ctx, owner, f, cursor)
	}
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.Fail("store", domain.CodeOf(err))
		return writeError(c, err)
	}
	m.SetPage(page)
	tasks := page.Tasks
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return c.JSON(http.StatusOK, pageResponse{
		Tasks:      tasks,
		Cursor:     page.Cursor,
		HasMore:    page.HasMore,
		FromServer: page.FromServer,
		Changed:    changed,
	})
}

func (h *handlers) createTask(c echo.Context) error {
	m := metricsFrom(c)
	owner, ok := h.owner(c, m)
	if !ok {
		return nil
	}
	var in domain.NewTask
	if err := decodeBody(c, "create", &in); err != nil {
		m.Fail("decode", domain.CodeInvalidData)
		return writeError(c, err)
	}
	start := time.Now()
	id, err := h.Tasks.Create(c.Request().Context(), owner, in)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.Fail("store", domain.CodeOf(err))
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, createResponse{ID: id})
}

func (h *handlers) updateTask(c echo.Context) error {
	m := metricsFrom(c)
	owner, ok := h.owner(c, m)
	if !ok {
		return nil
	}
	var p domain.TaskPatch
	if err := decodeBody(c, "update", &p); err != nil {
		m.Fail("decode", domain.CodeInvalidData)
		return writeError(c, err)
	}
	start := time.Now()
	err := h.Tasks.Update(c.Request().Context(), owner, c.Param("id"), p)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.Fail("store", domain.CodeOf(err))
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) removeTask(c echo.Context) error {
	m := metricsFrom(c)
	owner, ok := h.owner(c, m)
	if !ok {
		return nil
	}
	start := time.Now()
	err := h.Tasks.Remove(c.Request().Context(), owner, c.Param("id"))
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.Fail("store", domain.CodeOf(err))
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) setOrder(c echo.Context) error {
	m := metricsFrom(c)
	owner, ok := h.owner(c, m)
	if !ok {
		return nil
	}
	var req orderRequest
	if err := decodeBody(c, "set-order", &req); err != nil {
		m.Fail("decode", domain.CodeInvalidData)
		return writeError(c, err)
	}
	if req.Order == nil {
		m.Fail("decode", domain.CodeInvalidData)
		return writeError(c, domain.Invalid("set-order", "order is required"))
	}
	start := time.Now()
	err := h.Tasks.SetOrder(c.Request().Context(), owner, c.Param("id"), *req.Order)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.Fail("store", domain.CodeOf(err))
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) moveTask(c echo.Context) error {
	m := metricsFrom(c)
	owner, ok := h.owner(c, m)
	if !ok {
		return nil
	}
	var req moveRequest
	if err := decodeBody(c, "move", &req); err != nil {
		m.Fail("decode", domain.CodeInvalidData)
		return writeError(c, err)
	}
	start := time.Now()
	order, err := h.Tasks.Move(c.Request().Context(), owner, c.Param("id"), req.BeforeID, req.AfterID)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.Fail("store", domain.CodeOf(err))
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, orderResponse{Order: order})
}

func (h *handlers) invalidate(c echo.Context) error {
	m := metricsFrom(c)
	owner, ok := h.owner(c, m)
	if !ok {
		return nil
	}
	if err := h.Tasks.Invalidate(c.Request().Context(), owner); err != nil {
		m.Fail("cache", domain.CodeOf(err))
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// filterFromQuery reads status, sort, direction, view and pageSize.
func (h *handlers) filterFromQuery(c echo.Context) (domain.Filter, error) {
	f := domain.Filter{
		Status:    domain.Status(c.QueryParam("status")),
		Sort:      domain.SortField(c.QueryParam("sort")),
		Direction: domain.Direction(c.QueryParam("direction")),
		View:      domain.View(c.QueryParam("view")),
		PageSize:  h.PageSize,
	}
	if raw := strings.TrimSpace(c.QueryParam("pageSize")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, domain.Invalid("fetch", "invalid page size")
		}
		f.PageSize = n
	}
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return f, domain.Invalid("fetch", err.Error())
	}
	return f, nil
}

func decodeBody(c echo.Context, op string, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid(op, "invalid body")
	}
	return nil
}
