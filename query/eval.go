package query

import (
	"sort"
	"strings"

	"prism-sync/domain"
)

// Result is the evaluated window of a query.
type Result struct {
	Documents []domain.TaskDocument
	Cursor    string
	HasMore   bool
}

// Matches reports whether doc belongs to the owner and satisfies every predicate.
// A missing property never matches, as in the store.
func (q Query) Matches(doc domain.TaskDocument) bool {
	if doc.PartitionKey != q.Owner {
		return false
	}
	for _, p := range q.Predicates {
		if !p.matches(doc) {
			return false
		}
	}
	return true
}

func (p Predicate) matches(doc domain.TaskDocument) bool {
	if p.Field == domain.WireCompleted {
		want, _ := p.Value.(bool)
		return doc.Completed != nil && p.Op == OpEq && *doc.Completed == want
	}
	v, ok := stringProperty(doc, p.Field)
	if !ok {
		return false
	}
	if p.Op == OpExists {
		return true
	}
	want, _ := p.Value.(string)
	c := strings.Compare(v, want)
	switch p.Op {
	case OpEq:
		return c == 0
	case OpGe:
		return c >= 0
	case OpGt:
		return c > 0
	case OpLt:
		return c < 0
	}
	return false
}

func stringProperty(doc domain.TaskDocument, field string) (string, bool) {
	var s *string
	switch field {
	case domain.WireCreatedAt:
		s = doc.CreatedAt
	case domain.WireUpdatedAt:
		s = doc.UpdatedAt
	case domain.WireDueDate:
		s = doc.DueDate
	}
	if s == nil || *s == "" {
		return "", false
	}
	return *s, true
}

// Compare orders two documents by the query's ordering clause. Documents without the
// ordering property come last in either direction; ties break on the identifier.
func (q Query) Compare(a, b domain.TaskDocument) int {
	return q.compareKeys(q.cursorOf(a), q.cursorOf(b))
}

func (q Query) cursorOf(doc domain.TaskDocument) Cursor {
	v, ok := stringProperty(doc, q.OrderBy.Field)
	return Cursor{Value: v, HasValue: ok, ID: doc.RowKey}
}

func (q Query) compareKeys(a, b Cursor) int {
	if a.HasValue != b.HasValue {
		if a.HasValue {
			return -1
		}
		return 1
	}
	c := strings.Compare(a.Value, b.Value)
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if q.OrderBy.Descending {
		c = -c
	}
	return c
}

// Apply filters, orders and windows docs according to q. It is what a store without
// server side ordering runs over the documents its filter returned.
func Apply(q Query, docs []domain.TaskDocument) (Result, error) {
	matched := make([]domain.TaskDocument, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			matched = append(matched, d)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return q.Compare(matched[i], matched[j]) < 0
	})

	start := 0
	if q.After != nil {
		start = sort.Search(len(matched), func(i int) bool {
			return q.compareKeys(q.cursorOf(matched[i]), *q.After) > 0
		})
	}
	rest := matched[start:]

	limit := q.Limit
	if limit <= 0 {
		limit = domain.DefaultPageSize
	}
	res := Result{Documents: rest}
	if len(rest) > limit {
		res.Documents = rest[:limit]
		res.HasMore = true
		token, err := q.cursorOf(res.Documents[limit-1]).Encode()
		if err != nil {
			return Result{}, err
		}
		res.Cursor = token
	}
	return res, nil
}
