// Package forms holds the form data model: templates, values, the immutable
// registry, required-field validation, the snapshot codec and the per-field
// last-writer-wins merge used during reconciliation.
package forms

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusCompleted Status = "completed"
)

type LookupItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Field struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Label    string       `json:"label"`
	Required bool         `json:"required,omitempty"`
	Options  []LookupItem `json:"options,omitempty"`
	Items    []LookupItem `json:"items,omitempty"`
}

// Key returns the value key this field is stored under.
func (f Field) Key() string {
	return KeyFromID(f.ID)
}

type Template struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Revision string  `json:"revision,omitempty"`
	Fields   []Field `json:"fields"`
}

// NewerThan reports whether t carries a strictly higher semantic revision
// than other. Revisions that do not parse never win.
func (t Template) NewerThan(other Template) bool {
	mine, err := semver.NewVersion(strings.TrimSpace(t.Revision))
	if err != nil {
		return false
	}
	theirs, err := semver.NewVersion(strings.TrimSpace(other.Revision))
	if err != nil {
		return true
	}
	return mine.GreaterThan(theirs)
}

func (t Template) Field(id string) (Field, bool) {
	for _, field := range t.Fields {
		if field.ID == id {
			return field, true
		}
	}
	return Field{}, false
}

func (t Template) clone() Template {
	out := t
	out.Fields = make([]Field, len(t.Fields))
	for i, field := range t.Fields {
		field.Options = append([]LookupItem(nil), field.Options...)
		field.Items = append([]LookupItem(nil), field.Items...)
		out.Fields[i] = field
	}
	return out
}

type Form struct {
	ID        string               `json:"id"`
	Template  Template             `json:"template"`
	Values    map[string]any       `json:"values"`
	Modified  map[string]time.Time `json:"modified,omitempty"`
	Status    Status               `json:"status"`
	Sequence  uint64               `json:"sequence"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// New creates an empty draft for template with a fresh identifier.
func New(template Template, now time.Time) Form {
	return Form{
		ID:        uuid.NewString(),
		Template:  template.clone(),
		Values:    map[string]any{},
		Modified:  map[string]time.Time{},
		Status:    StatusDraft,
		UpdatedAt: now.UTC(),
	}
}

// KeyFromID derives the canonical value key for a field identifier.
func KeyFromID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '.', '/':
			return '_'
		}
		return r
	}, id)
}

func (f *Form) IsCompleted() bool {
	return f.Status == StatusCompleted
}

// SetField stores value for field and stamps its modification time.
func (f *Form) SetField(field Field, value any, now time.Time) {
	f.Set(field.Key(), value, now)
}

func (f *Form) Set(key string, value any, now time.Time) {
	if f.Values == nil {
		f.Values = map[string]any{}
	}
	if f.Modified == nil {
		f.Modified = map[string]time.Time{}
	}
	now = now.UTC()
	f.Values[key] = normalizeValue(value)
	f.Modified[key] = now
	if now.After(f.UpdatedAt) {
		f.UpdatedAt = now
	}
}

// Clone returns a structural deep copy; edits to the copy never reach f.
func (f Form) Clone() Form {
	out := f
	out.Template = f.Template.clone()
	out.Values = make(map[string]any, len(f.Values))
	for key, value := range f.Values {
		out.Values[key] = cloneValue(value)
	}
	out.Modified = make(map[string]time.Time, len(f.Modified))
	for key, ts := range f.Modified {
		out.Modified[key] = ts
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return typed
	}
}

// normalizeValue converts arbitrary Go values into the generic JSON shapes
// (map[string]any, []any, float64, string, bool, nil) so that clones,
// comparisons and persisted snapshots agree.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case nil, string, bool, float64:
		return typed
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return value
	}
	return generic
}
