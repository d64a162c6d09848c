package domain

import (
	"sort"
	"strings"
)

// BaselineOrder is assigned when a task is moved into an empty list.
const BaselineOrder = 0.0

// ComputeNewOrder returns an order value that places a task between before and after
// without rewriting any sibling. A neighbour without an order value counts as absent.
//
// Repeated moves into the same gap halve it every time; after enough of them (roughly a
// thousand for values around 1) the midpoint collapses onto one of the neighbours and two
// tasks share an order. CompareManual still yields a total order in that case, by
// creation instant and identifier.
func ComputeNewOrder(before, after *Task) float64 {
	var lo, hi *float64
	if before != nil {
		lo = before.Order
	}
	if after != nil {
		hi = after.Order
	}
	switch {
	case lo == nil && hi == nil:
		return BaselineOrder
	case lo == nil:
		return *hi - 1
	case hi == nil:
		return *lo + 1
	default:
		return *lo + (*hi-*lo)/2
	}
}

// CompareManual is the total manual order: tasks with an order value first, ascending;
// then tasks without one. Ties break by creation instant, then identifier.
func CompareManual(a, b Task) int {
	switch {
	case a.Order != nil && b.Order == nil:
		return -1
	case a.Order == nil && b.Order != nil:
		return 1
	case a.Order != nil && b.Order != nil:
		if *a.Order < *b.Order {
			return -1
		}
		if *a.Order > *b.Order {
			return 1
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// SortByOrder sorts tasks in place by CompareManual.
func SortByOrder(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return CompareManual(tasks[i], tasks[j]) < 0
	})
}
