package domain

import (
	"bytes"
	"time"

	"github.com/bytedance/sonic"
)

type fieldState uint8

const (
	fieldAbsent fieldState = iota
	fieldSet
	fieldNull
)

// Field is an attribute of a partial update. The zero value is absent and leaves the
// stored attribute untouched; Null clears it; Set overwrites it.
type Field[T any] struct {
	state fieldState
	value T
}

// Set returns a present field holding v.
func Set[T any](v T) Field[T] {
	return Field[T]{state: fieldSet, value: v}
}

// Null returns a present field that clears the attribute.
func Null[T any]() Field[T] {
	return Field[T]{state: fieldNull}
}

// IsPresent reports whether the field takes part in the update.
func (f Field[T]) IsPresent() bool { return f.state != fieldAbsent }

// IsNull reports whether the field clears the attribute.
func (f Field[T]) IsNull() bool { return f.state == fieldNull }

// Get returns the value and whether the field is set to a value.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.state == fieldSet
}

// MarshalJSON encodes a set field as its value and anything else as null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state != fieldSet {
		return []byte("null"), nil
	}
	return sonic.Marshal(f.value)
}

// UnmarshalJSON is only invoked for keys present in the document, so an explicit null
// clears and anything else sets.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Null[T]()
		return nil
	}
	var v T
	if err := sonic.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Set(v)
	return nil
}

// TaskPatch is a partial update with one optional field per task attribute.
type TaskPatch struct {
	OwnerID     Field[string]       `json:"ownerId"`
	Title       Field[string]       `json:"title"`
	Description Field[string]       `json:"description"`
	Completed   Field[bool]         `json:"completed"`
	CreatedAt   Field[time.Time]    `json:"createdAt"`
	UpdatedAt   Field[time.Time]    `json:"updatedAt"`
	DueDate     Field[time.Time]    `json:"dueDate"`
	Priority    Field[Priority]     `json:"priority"`
	CategoryID  Field[string]       `json:"categoryId"`
	Tags        Field[[]string]     `json:"tags"`
	Order       Field[float64]      `json:"order"`
	Subtasks    Field[[]Subtask]    `json:"subtasks"`
	Comments    Field[[]Comment]    `json:"comments"`
	Attachments Field[[]Attachment] `json:"attachments"`
}

// Empty reports whether no caller editable attribute is present. Timestamps and owner
// are managed by the gateway and do not count.
func (p TaskPatch) Empty() bool {
	return !p.Title.IsPresent() &&
		!p.Description.IsPresent() &&
		!p.Completed.IsPresent() &&
		!p.DueDate.IsPresent() &&
		!p.Priority.IsPresent() &&
		!p.CategoryID.IsPresent() &&
		!p.Tags.IsPresent() &&
		!p.Order.IsPresent() &&
		!p.Subtasks.IsPresent() &&
		!p.Comments.IsPresent() &&
		!p.Attachments.IsPresent()
}

// PatchFromTask returns a patch that sets every attribute of t. Unset optional
// attributes stay absent.
func PatchFromTask(t Task) TaskPatch {
	p := TaskPatch{
		OwnerID:   Set(t.OwnerID),
		Title:     Set(t.Title),
		Completed: Set(t.Completed),
		CreatedAt: Set(t.CreatedAt),
		UpdatedAt: Set(t.UpdatedAt),
	}
	if t.Description != nil {
		p.Description = Set(*t.Description)
	}
	if t.DueDate != nil {
		p.DueDate = Set(*t.DueDate)
	}
	if t.Priority != nil {
		p.Priority = Set(*t.Priority)
	}
	if t.CategoryID != nil {
		p.CategoryID = Set(*t.CategoryID)
	}
	if t.Tags != nil {
		p.Tags = Set(t.Tags)
	}
	if t.Order != nil {
		p.Order = Set(*t.Order)
	}
	if t.Subtasks != nil {
		p.Subtasks = Set(t.Subtasks)
	}
	if t.Comments != nil {
		p.Comments = Set(t.Comments)
	}
	if t.Attachments != nil {
		p.Attachments = Set(t.Attachments)
	}
	return p
}
