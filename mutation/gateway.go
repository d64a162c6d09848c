// Package mutation validates and persists task writes on behalf of an owner.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-sync/cache"
	"prism-sync/domain"
	"prism-sync/storage"
)

// Options configures a Gateway.
type Options struct {
	Logger *log.Logger
	Now    func() time.Time
}

// Gateway is the single write path for tasks. Every operation checks that the caller
// owns the addressed task, writes only the attributes present in the request and
// invalidates the caller's read cache once the store accepted the write.
type Gateway struct {
	transport storage.Transport
	cache     cache.Cache
	log       *log.Logger
	now       func() time.Time
}

// NewGateway creates a Gateway. c may be nil when no read cache is in use.
func NewGateway(t storage.Transport, c cache.Cache, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{transport: t, cache: c, log: opts.Logger, now: opts.Now}
}

// Create stores a new task and returns its identifier. Completed defaults to false and
// the order to the owner's current task count unless the caller provides one.
func (g *Gateway) Create(ctx context.Context, owner string, in domain.NewTask) (string, error) {
	const op = "create"
	if owner == "" {
		return "", domain.E(domain.CodeAuthRequired, op, nil)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return "", domain.Invalid(op, "title is required")
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return "", domain.Invalid(op, fmt.Sprintf("unknown priority %q", *in.Priority))
	}

	now := g.now().UTC()
	p := domain.TaskPatch{
		OwnerID:   domain.Set(owner),
		Title:     domain.Set(title),
		Completed: domain.Set(false),
		CreatedAt: domain.Set(now),
		UpdatedAt: domain.Set(now),
	}
	if in.Completed != nil {
		p.Completed = domain.Set(*in.Completed)
	}
	if s := trimmed(in.Description); s != "" {
		p.Description = domain.Set(s)
	}
	if s := trimmed(in.CategoryID); s != "" {
		p.CategoryID = domain.Set(s)
	}
	if in.DueDate != nil {
		p.DueDate = domain.Set(in.DueDate.UTC())
	}
	if in.Priority != nil {
		p.Priority = domain.Set(*in.Priority)
	}
	if tags := trimTags(in.Tags); len(tags) > 0 {
		p.Tags = domain.Set(tags)
	}
	if in.Order != nil {
		p.Order = domain.Set(*in.Order)
	} else {
		n, err := g.transport.Count(ctx, owner)
		if err != nil {
			return "", g.fail(op, owner, "", err)
		}
		p.Order = domain.Set(float64(n))
	}

	id, err := g.transport.Create(ctx, owner, domain.ToWire(p))
	if err != nil {
		return "", g.fail(op, owner, "", err)
	}
	g.invalidate(ctx, owner)
	g.log.WithFields(log.Fields{"owner": owner, "task": id}).Debug("task created")
	return id, nil
}

// Update writes the attributes present in p. A present but null attribute clears it;
// title and completion cannot be cleared. The update instant is always refreshed.
func (g *Gateway) Update(ctx context.Context, owner, id string, p domain.TaskPatch) error {
	const op = "update"
	if err := checkIDs(op, owner, id); err != nil {
		return err
	}
	p, err := normalizePatch(op, p)
	if err != nil {
		return err
	}
	if p.Empty() {
		return domain.Invalid(op, "update has no fields")
	}
	return g.write(ctx, op, owner, id, p)
}

// SetOrder persists a manual order value.
func (g *Gateway) SetOrder(ctx context.Context, owner, id string, order float64) error {
	const op = "set-order"
	if err := checkIDs(op, owner, id); err != nil {
		return err
	}
	return g.write(ctx, op, owner, id, domain.TaskPatch{Order: domain.Set(order)})
}

// Move places id between the tasks beforeID and afterID, either of which may be empty,
// and returns the new order value. Only the moved task is written.
func (g *Gateway) Move(ctx context.Context, owner, id, beforeID, afterID string) (float64, error) {
	const op = "move"
	if err := checkIDs(op, owner, id); err != nil {
		return 0, err
	}
	if id == beforeID || id == afterID {
		return 0, domain.Invalid(op, "a task cannot be its own neighbour")
	}
	before, err := g.neighbour(ctx, op, owner, beforeID)
	if err != nil {
		return 0, err
	}
	after, err := g.neighbour(ctx, op, owner, afterID)
	if err != nil {
		return 0, err
	}
	order := domain.ComputeNewOrder(before, after)
	if err := g.write(ctx, op, owner, id, domain.TaskPatch{Order: domain.Set(order)}); err != nil {
		return 0, err
	}
	return order, nil
}

// Remove deletes a task. Removing a task that does not exist is an error.
func (g *Gateway) Remove(ctx context.Context, owner, id string) error {
	const op = "remove"
	if err := checkIDs(op, owner, id); err != nil {
		return err
	}
	if _, err := g.authorize(ctx, op, owner, id); err != nil {
		return err
	}
	if err := g.transport.Delete(ctx, owner, id); err != nil {
		return g.fail(op, owner, id, err)
	}
	g.invalidate(ctx, owner)
	return nil
}

// Invalidate drops every cached result of owner.
func (g *Gateway) Invalidate(ctx context.Context, owner string) error {
	const op = "invalidate"
	if owner == "" {
		return domain.E(domain.CodeAuthRequired, op, nil)
	}
	if g.cache == nil {
		return nil
	}
	if err := g.cache.Invalidate(ctx, owner); err != nil {
		return g.fail(op, owner, "", err)
	}
	return nil
}

func (g *Gateway) write(ctx context.Context, op, owner, id string, p domain.TaskPatch) error {
	if _, err := g.authorize(ctx, op, owner, id); err != nil {
		return err
	}
	p.UpdatedAt = domain.Set(g.now().UTC())
	if err := g.transport.Patch(ctx, owner, id, domain.ToWire(p)); err != nil {
		return g.fail(op, owner, id, err)
	}
	g.invalidate(ctx, owner)
	return nil
}

// authorize loads id and checks that owner owns it.
func (g *Gateway) authorize(ctx context.Context, op, owner, id string) (*domain.TaskDocument, error) {
	doc, err := g.transport.Get(ctx, id)
	if err != nil {
		return nil, g.fail(op, owner, id, err)
	}
	if doc == nil {
		return nil, g.fail(op, owner, id, domain.ErrNotFound)
	}
	if doc.Owner() != owner {
		g.log.WithFields(log.Fields{"owner": owner, "task": id, "op": op}).Warn("ownership check failed")
		return nil, domain.E(domain.CodeNotOwner, op, errors.New("task belongs to another user"))
	}
	return doc, nil
}

func (g *Gateway) neighbour(ctx context.Context, op, owner, id string) (*domain.Task, error) {
	if id == "" {
		return nil, nil
	}
	doc, err := g.authorize(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	t, _ := domain.ToDomain(*doc, g.now())
	return &t, nil
}

func (g *Gateway) invalidate(ctx context.Context, owner string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Invalidate(ctx, owner); err != nil {
		g.log.WithError(err).WithField("owner", owner).Warn("cache invalidation failed")
	}
}

// fail classifies err, logs it with operation context and returns the typed error.
func (g *Gateway) fail(op, owner, id string, err error) error {
	de := domain.Classify(op, err)
	g.log.WithError(err).WithFields(log.Fields{"owner": owner, "task": id, "op": op, "code": de.Code}).Error("task write failed")
	return de
}

func checkIDs(op, owner, id string) error {
	if owner == "" {
		return domain.E(domain.CodeAuthRequired, op, nil)
	}
	if strings.TrimSpace(id) == "" {
		return domain.Invalid(op, "task id is required")
	}
	return nil
}

// normalizePatch trims strings, rejects clearing required attributes and drops the
// attributes the gateway manages itself.
func normalizePatch(op string, p domain.TaskPatch) (domain.TaskPatch, error) {
	p.OwnerID = domain.Field[string]{}
	p.CreatedAt = domain.Field[time.Time]{}
	p.UpdatedAt = domain.Field[time.Time]{}

	if p.Title.IsPresent() {
		v, ok := p.Title.Get()
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return p, domain.Invalid(op, "title is required")
		}
		p.Title = domain.Set(v)
	}
	if p.Completed.IsNull() {
		return p, domain.Invalid(op, "completed cannot be cleared")
	}
	p.Description = trimField(p.Description)
	p.CategoryID = trimField(p.CategoryID)
	if v, ok := p.Priority.Get(); ok && !v.Valid() {
		return p, domain.Invalid(op, fmt.Sprintf("unknown priority %q", v))
	}
	if v, ok := p.DueDate.Get(); ok {
		p.DueDate = domain.Set(v.UTC())
	}
	if v, ok := p.Tags.Get(); ok {
		p.Tags = domain.Set(trimTags(v))
	}
	return p, nil
}

// trimField trims a present string; one that trims to empty clears the attribute.
func trimField(f domain.Field[string]) domain.Field[string] {
	v, ok := f.Get()
	if !ok {
		return f
	}
	if v = strings.TrimSpace(v); v == "" {
		return domain.Null[string]()
	}
	return domain.Set(v)
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func trimTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
