package domain

import (
	"sort"
	"time"

	"github.com/bytedance/sonic"
)

// Property names of a task document as stored by the remote store.
const (
	WirePartitionKey = "PartitionKey"
	WireRowKey       = "RowKey"
	WireOwner        = "OwnerId"
	WireTitle        = "Title"
	WireDescription  = "Description"
	WireCompleted    = "Completed"
	WireCreatedAt    = "CreatedAt"
	WireUpdatedAt    = "UpdatedAt"
	WireDueDate      = "DueDate"
	WirePriority     = "Priority"
	WireCategory     = "CategoryId"
	WireTags         = "Tags"
	WireOrder        = "Order"
	WireSubtasks     = "Subtasks"
	WireComments     = "Comments"
	WireAttachments  = "Attachments"
)

// WireTimeLayout is a fixed width UTC layout, so stored instants compare correctly as
// strings inside store side filters.
const WireTimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatWireTime renders t in WireTimeLayout.
func FormatWireTime(t time.Time) string {
	return t.UTC().Format(WireTimeLayout)
}

// TaskDocument is the wire form of a task. The partition key is the owner and the row
// key is the task identifier. Every property is optional on the wire; nested
// collections are stored as JSON text because table properties are scalar.
type TaskDocument struct {
	PartitionKey string   `json:"PartitionKey"`
	RowKey       string   `json:"RowKey"`
	ETag         string   `json:"odata.etag,omitempty"`
	OwnerID      *string  `json:"OwnerId,omitempty"`
	Title        *string  `json:"Title,omitempty"`
	Description  *string  `json:"Description,omitempty"`
	Completed    *bool    `json:"Completed,omitempty"`
	CreatedAt    *string  `json:"CreatedAt,omitempty"`
	UpdatedAt    *string  `json:"UpdatedAt,omitempty"`
	DueDate      *string  `json:"DueDate,omitempty"`
	Priority     *string  `json:"Priority,omitempty"`
	CategoryID   *string  `json:"CategoryId,omitempty"`
	Tags         *string  `json:"Tags,omitempty"`
	Order        *float64 `json:"Order,omitempty"`
	Subtasks     *string  `json:"Subtasks,omitempty"`
	Comments     *string  `json:"Comments,omitempty"`
	Attachments  *string  `json:"Attachments,omitempty"`
}

// Owner returns the owner property, falling back to the partition key.
func (d TaskDocument) Owner() string {
	if d.OwnerID != nil && *d.OwnerID != "" {
		return *d.OwnerID
	}
	return d.PartitionKey
}

type subtaskDocument struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type commentDocument struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"authorId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type attachmentDocument struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// WirePatch is the set of properties a write sends to the store. A nil value removes
// the property from the document.
type WirePatch map[string]any

// Keys returns the sorted property names carried by the patch.
func (p WirePatch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ApplyPatch merges p into doc and returns the resulting document.
func ApplyPatch(doc TaskDocument, p WirePatch) (TaskDocument, error) {
	etag := doc.ETag
	doc.ETag = ""
	raw, err := sonic.Marshal(doc)
	if err != nil {
		return TaskDocument{}, err
	}
	props := map[string]any{}
	if err := sonic.Unmarshal(raw, &props); err != nil {
		return TaskDocument{}, err
	}
	for k, v := range p {
		if k == WirePartitionKey || k == WireRowKey {
			continue
		}
		if v == nil {
			delete(props, k)
			continue
		}
		props[k] = v
	}
	raw, err = sonic.Marshal(props)
	if err != nil {
		return TaskDocument{}, err
	}
	var out TaskDocument
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return TaskDocument{}, err
	}
	out.ETag = etag
	return out, nil
}

// DocumentFromWire builds a new document for owner and id from a full patch.
func DocumentFromWire(owner, id string, p WirePatch) (TaskDocument, error) {
	return ApplyPatch(TaskDocument{PartitionKey: owner, RowKey: id}, p)
}
