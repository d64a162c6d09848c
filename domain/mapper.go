package domain

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ToDomain converts a wire document into a task. It never fails: a missing or malformed
// timestamp is replaced by now and the names of all substituted or dropped properties
// are returned so the caller can log the document as malformed.
func ToDomain(doc TaskDocument, now time.Time) (Task, []string) {
	var malformed []string
	mark := func(name string) { malformed = append(malformed, name) }

	t := Task{
		ID:      doc.RowKey,
		OwnerID: doc.Owner(),
		Title:   deref(doc.Title),
	}
	if doc.Completed != nil {
		t.Completed = *doc.Completed
	}
	t.Description = nonEmpty(doc.Description)
	t.CategoryID = nonEmpty(doc.CategoryID)

	t.CreatedAt = requiredTime(doc.CreatedAt, now, WireCreatedAt, mark)
	t.UpdatedAt = requiredTime(doc.UpdatedAt, now, WireUpdatedAt, mark)
	if s := nonEmpty(doc.DueDate); s != nil {
		due, err := time.Parse(time.RFC3339Nano, *s)
		if err != nil {
			mark(WireDueDate)
			due = now
		}
		t.DueDate = &due
	}

	if s := nonEmpty(doc.Priority); s != nil {
		p := Priority(*s)
		if p.Valid() {
			t.Priority = &p
		} else {
			mark(WirePriority)
		}
	}
	if doc.Order != nil {
		o := *doc.Order
		t.Order = &o
	}

	if s := nonEmpty(doc.Tags); s != nil {
		var tags []string
		if err := sonic.UnmarshalString(*s, &tags); err != nil {
			mark(WireTags)
		} else if len(tags) > 0 {
			t.Tags = tags
		}
	}
	if s := nonEmpty(doc.Subtasks); s != nil {
		var items []subtaskDocument
		if err := sonic.UnmarshalString(*s, &items); err != nil {
			mark(WireSubtasks)
		}
		for _, it := range items {
			t.Subtasks = append(t.Subtasks, Subtask{
				ID:        it.ID,
				Title:     it.Title,
				Completed: it.Completed,
				CreatedAt: nestedTime(it.CreatedAt, now, WireSubtasks, mark),
			})
		}
	}
	if s := nonEmpty(doc.Comments); s != nil {
		var items []commentDocument
		if err := sonic.UnmarshalString(*s, &items); err != nil {
			mark(WireComments)
		}
		for _, it := range items {
			t.Comments = append(t.Comments, Comment{
				ID:        it.ID,
				Text:      it.Text,
				AuthorID:  it.AuthorID,
				CreatedAt: nestedTime(it.CreatedAt, now, WireComments, mark),
			})
		}
	}
	if s := nonEmpty(doc.Attachments); s != nil {
		var items []attachmentDocument
		if err := sonic.UnmarshalString(*s, &items); err != nil {
			mark(WireAttachments)
		}
		for _, it := range items {
			t.Attachments = append(t.Attachments, Attachment{
				ID:          it.ID,
				Name:        it.Name,
				URL:         it.URL,
				ContentType: it.ContentType,
				CreatedAt:   nestedTime(it.CreatedAt, now, WireAttachments, mark),
			})
		}
	}
	return t, dedupe(malformed)
}

// ToWire converts a partial update into wire properties. Only present fields produce a
// property; a cleared field, or an optional one set to an empty value, produces nil so
// the store drops the property.
func ToWire(p TaskPatch) WirePatch {
	w := WirePatch{}
	putString(w, WireOwner, p.OwnerID, false)
	putString(w, WireTitle, p.Title, false)
	putString(w, WireDescription, p.Description, true)
	putString(w, WireCategory, p.CategoryID, true)
	if p.Completed.IsPresent() {
		if v, ok := p.Completed.Get(); ok {
			w[WireCompleted] = v
		} else {
			w[WireCompleted] = nil
		}
	}
	putTime(w, WireCreatedAt, p.CreatedAt)
	putTime(w, WireUpdatedAt, p.UpdatedAt)
	putTime(w, WireDueDate, p.DueDate)
	if p.Priority.IsPresent() {
		if v, ok := p.Priority.Get(); ok && v != "" {
			w[WirePriority] = string(v)
		} else {
			w[WirePriority] = nil
		}
	}
	if p.Order.IsPresent() {
		if v, ok := p.Order.Get(); ok {
			w[WireOrder] = v
		} else {
			w[WireOrder] = nil
		}
	}
	if p.Tags.IsPresent() {
		tags, _ := p.Tags.Get()
		putJSON(w, WireTags, uniqueTags(tags), len(tags) > 0)
	}
	if p.Subtasks.IsPresent() {
		items, _ := p.Subtasks.Get()
		docs := make([]subtaskDocument, 0, len(items))
		for _, it := range items {
			docs = append(docs, subtaskDocument{ID: it.ID, Title: it.Title, Completed: it.Completed, CreatedAt: FormatWireTime(it.CreatedAt)})
		}
		putJSON(w, WireSubtasks, docs, len(docs) > 0)
	}
	if p.Comments.IsPresent() {
		items, _ := p.Comments.Get()
		docs := make([]commentDocument, 0, len(items))
		for _, it := range items {
			docs = append(docs, commentDocument{ID: it.ID, Text: it.Text, AuthorID: it.AuthorID, CreatedAt: FormatWireTime(it.CreatedAt)})
		}
		putJSON(w, WireComments, docs, len(docs) > 0)
	}
	if p.Attachments.IsPresent() {
		items, _ := p.Attachments.Get()
		docs := make([]attachmentDocument, 0, len(items))
		for _, it := range items {
			docs = append(docs, attachmentDocument{ID: it.ID, Name: it.Name, URL: it.URL, ContentType: it.ContentType, CreatedAt: FormatWireTime(it.CreatedAt)})
		}
		putJSON(w, WireAttachments, docs, len(docs) > 0)
	}
	return w
}

func putString(w WirePatch, key string, f Field[string], optional bool) {
	if !f.IsPresent() {
		return
	}
	v, ok := f.Get()
	if !ok || (optional && v == "") {
		w[key] = nil
		return
	}
	w[key] = v
}

func putTime(w WirePatch, key string, f Field[time.Time]) {
	if !f.IsPresent() {
		return
	}
	if v, ok := f.Get(); ok {
		w[key] = FormatWireTime(v)
		return
	}
	w[key] = nil
}

func putJSON(w WirePatch, key string, v any, nonEmpty bool) {
	if !nonEmpty {
		w[key] = nil
		return
	}
	s, err := sonic.MarshalString(v)
	if err != nil {
		w[key] = nil
		return
	}
	w[key] = s
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func requiredTime(s *string, now time.Time, name string, mark func(string)) time.Time {
	if s == nil || *s == "" {
		mark(name)
		return now
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		mark(name)
		return now
	}
	return t
}

func nestedTime(s string, now time.Time, name string, mark func(string)) time.Time {
	return requiredTime(&s, now, name, mark)
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dedupe(names []string) []string {
	if len(names) < 2 {
		return names
	}
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
