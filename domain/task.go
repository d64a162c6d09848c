package domain

import "time"

// Priority is the optional urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is a single to-do item owned by exactly one user.
//
// Optional attributes are pointers so that "not set" stays distinguishable from a
// zero value. UpdatedAt doubles as the completion instant for completed tasks.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description *string      `json:"description,omitempty"`
	Completed   bool         `json:"completed"`
	OwnerID     string       `json:"ownerId"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	DueDate     *time.Time   `json:"dueDate,omitempty"`
	Priority    *Priority    `json:"priority,omitempty"`
	CategoryID  *string      `json:"categoryId,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Order       *float64     `json:"order,omitempty"`
	Subtasks    []Subtask    `json:"subtasks,omitempty"`
	Comments    []Comment    `json:"comments,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Persisted reports whether the task has been assigned an identifier by the store.
func (t Task) Persisted() bool {
	return t.ID != ""
}

// Subtask is a checklist item nested inside a task.
type Subtask struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Comment is a free-form note attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"authorId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment references an uploaded file.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewTask carries the caller supplied attributes for a task creation.
type NewTask struct {
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Completed   *bool      `json:"completed,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	CategoryID  *string    `json:"categoryId,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Order       *float64   `json:"order,omitempty"`
}
