// Package query translates task filters into store queries and evaluates those queries
// over task documents.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"prism-sync/domain"
)

// Op is a comparison operator of a predicate.
type Op string

const (
	OpEq Op = "eq"
	OpGe Op = "ge"
	OpGt Op = "gt"
	OpLt Op = "lt"
	// OpExists matches documents that carry a non-empty value for the property.
	OpExists Op = "exists"
)

// Predicate restricts a query on one document property. Value is a bool for flags and
// a wire time string for instants.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Order is the ordering clause of a query.
type Order struct {
	Field      string
	Descending bool
}

// Query is the store independent description of one page request.
type Query struct {
	Owner      string
	Filter     domain.Filter
	Predicates []Predicate
	OrderBy    Order
	Limit      int
	// After resumes the result strictly after the cursor position.
	After *Cursor
	// ManualSort asks the consumer to re-sort fetched pages by the manual order.
	ManualSort bool

	cursorToken string
}

// Build turns a filter and an optional continuation cursor into a query. now anchors
// the date range views.
func Build(owner string, f domain.Filter, cursor string, now time.Time) (Query, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return Query{}, err
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Query{}, err
	}

	q := Query{
		Owner:       owner,
		Filter:      f,
		Limit:       f.PageSize,
		After:       after,
		ManualSort:  f.Sort == domain.SortManual,
		cursorToken: cursor,
	}

	status := f.Status
	if f.View == domain.ViewCompleted {
		status = domain.StatusCompleted
	}
	switch status {
	case domain.StatusActive:
		q.Predicates = append(q.Predicates, Predicate{Field: domain.WireCompleted, Op: OpEq, Value: false})
	case domain.StatusCompleted:
		q.Predicates = append(q.Predicates, Predicate{Field: domain.WireCompleted, Op: OpEq, Value: true})
	}

	switch f.View {
	case domain.ViewToday:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		q.Predicates = append(q.Predicates,
			Predicate{Field: domain.WireDueDate, Op: OpGe, Value: domain.FormatWireTime(start)},
			Predicate{Field: domain.WireDueDate, Op: OpLt, Value: domain.FormatWireTime(start.AddDate(0, 0, 1))},
		)
	case domain.ViewUpcoming:
		q.Predicates = append(q.Predicates, Predicate{Field: domain.WireDueDate, Op: OpGt, Value: domain.FormatWireTime(now)})
	case domain.ViewCalendar:
		q.Predicates = append(q.Predicates, Predicate{Field: domain.WireDueDate, Op: OpExists})
	}

	desc := f.Direction == domain.Desc
	switch {
	case f.View == domain.ViewCompleted:
		q.OrderBy = Order{Field: domain.WireUpdatedAt, Descending: true}
	case f.View == domain.ViewCalendar:
		q.OrderBy = Order{Field: domain.WireDueDate}
	case f.Sort == domain.SortDue:
		q.OrderBy = Order{Field: domain.WireDueDate, Descending: desc}
	default:
		// Manual order is resolved by the consumer; the store orders by creation.
		q.OrderBy = Order{Field: domain.WireCreatedAt, Descending: desc}
	}
	return q, nil
}

// Key identifies the result set and window of the query for one owner.
func (q Query) Key() string {
	if q.cursorToken == "" {
		return q.Filter.Key()
	}
	return q.Filter.Key() + ";after=" + q.cursorToken
}

// ODataFilter renders the owner scope and the predicates as a table query filter.
// Ordering and windowing are not expressible there and are applied by Apply.
func (q Query) ODataFilter() string {
	parts := make([]string, 0, len(q.Predicates)+1)
	parts = append(parts, domain.WirePartitionKey+" eq "+quote(q.Owner))
	for _, p := range q.Predicates {
		parts = append(parts, p.odata())
	}
	return strings.Join(parts, " and ")
}

func (p Predicate) odata() string {
	if p.Op == OpExists {
		return p.Field + " ne ''"
	}
	var v string
	switch val := p.Value.(type) {
	case bool:
		v = strconv.FormatBool(val)
	case string:
		v = quote(val)
	default:
		v = quote(fmt.Sprint(val))
	}
	return p.Field + " " + string(p.Op) + " " + v
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
