package domain

const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskDeleted = "task-deleted"
)

// TaskEvent announces a committed write. It is published on the change feed so live
// subscriptions refresh, and appended to the change-event log for downstream consumers.
type TaskEvent struct {
	Type    string   `json:"type"`
	OwnerID string   `json:"ownerId"`
	TaskID  string   `json:"taskId"`
	Fields  []string `json:"fields,omitempty"`
	Time    int64    `json:"time"`
	// Origin identifies the store instance that made the write.
	Origin string `json:"origin,omitempty"`
}
