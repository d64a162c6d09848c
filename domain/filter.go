package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Status restricts results by completion flag.
type Status string

const (
	StatusAll       Status = "all"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// SortField selects the ordering of a result.
type SortField string

const (
	SortCreated SortField = "createdAt"
	SortDue     SortField = "dueDate"
	SortManual  SortField = "manual"
)

// Direction is the sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// View is a shorthand that expands to due date range predicates.
type View string

const (
	ViewNone      View = ""
	ViewToday     View = "today"
	ViewUpcoming  View = "upcoming"
	ViewCompleted View = "completed"
	ViewCalendar  View = "calendar"
)

// DefaultPageSize is used when a filter does not specify one.
const DefaultPageSize = 30

// MaxPageSize bounds the result window of a single query.
const MaxPageSize = 500

// Filter describes which tasks a subscription or page request wants and in which order.
// The continuation cursor is passed separately so that a filter identifies a result set
// rather than a position in it.
type Filter struct {
	Status    Status    `json:"status"`
	Sort      SortField `json:"sort"`
	Direction Direction `json:"direction"`
	View      View      `json:"view,omitempty"`
	PageSize  int       `json:"pageSize"`
}

// Normalize fills defaults for unset attributes.
func (f Filter) Normalize() Filter {
	if f.Status == "" {
		f.Status = StatusAll
	}
	if f.Sort == "" {
		f.Sort = SortCreated
	}
	if f.Direction == "" {
		if f.Sort == SortDue || f.Sort == SortManual {
			f.Direction = Asc
		} else {
			f.Direction = Desc
		}
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	return f
}

// Validate checks that every attribute holds a known value.
func (f Filter) Validate() error {
	switch f.Status {
	case StatusAll, StatusActive, StatusCompleted:
	default:
		return fmt.Errorf("unknown status %q", f.Status)
	}
	switch f.Sort {
	case SortCreated, SortDue, SortManual:
	default:
		return fmt.Errorf("unknown sort field %q", f.Sort)
	}
	switch f.Direction {
	case Asc, Desc:
	default:
		return fmt.Errorf("unknown sort direction %q", f.Direction)
	}
	switch f.View {
	case ViewNone, ViewToday, ViewUpcoming, ViewCompleted, ViewCalendar:
	default:
		return fmt.Errorf("unknown view %q", f.View)
	}
	if f.PageSize <= 0 || f.PageSize > MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d", MaxPageSize)
	}
	return nil
}

// Key is a stable serialization of every attribute, used to key caches.
// Two filters share a key only when they are equal.
func (f Filter) Key() string {
	var b strings.Builder
	b.WriteString("status=")
	b.WriteString(string(f.Status))
	b.WriteString(";sort=")
	b.WriteString(string(f.Sort))
	b.WriteString(";dir=")
	b.WriteString(string(f.Direction))
	b.WriteString(";view=")
	b.WriteString(string(f.View))
	b.WriteString(";size=")
	b.WriteString(strconv.Itoa(f.PageSize))
	return b.String()
}

// Page is one window of a result.
type Page struct {
	Tasks []Task `json:"tasks"`
	// Cursor continues the result after the last task; empty once exhausted.
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"hasMore"`
	// FromServer is false for provisional results served from a local cache or replica.
	// Only a server confirmed page may clear a loading indicator.
	FromServer bool `json:"fromServer"`
}
