package forms

import "encoding/json"

// Registry is an ordered, immutable mapping from form ID to form. Every
// mutating method returns a new Registry; readers of an existing value never
// observe a change.
type Registry struct {
	ids   []string
	forms map[string]Form
}

func NewRegistry(items ...Form) Registry {
	r := Registry{forms: make(map[string]Form, len(items))}
	for _, form := range items {
		if form.ID == "" {
			continue
		}
		if _, exists := r.forms[form.ID]; !exists {
			r.ids = append(r.ids, form.ID)
		}
		r.forms[form.ID] = form.Clone()
	}
	return r
}

func (r Registry) Len() int {
	return len(r.ids)
}

func (r Registry) Has(id string) bool {
	_, ok := r.forms[id]
	return ok
}

// Get returns a deep copy of the form stored under id.
func (r Registry) Get(id string) (Form, bool) {
	form, ok := r.forms[id]
	if !ok {
		return Form{}, false
	}
	return form.Clone(), true
}

func (r Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

func (r Registry) Forms() []Form {
	out := make([]Form, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.forms[id].Clone())
	}
	return out
}

// With returns a registry where form replaces (or is appended after) any
// existing entry with the same ID.
func (r Registry) With(form Form) Registry {
	next := r.copy()
	if _, exists := next.forms[form.ID]; !exists {
		next.ids = append(next.ids, form.ID)
	}
	next.forms[form.ID] = form.Clone()
	return next
}

func (r Registry) Without(id string) Registry {
	if _, exists := r.forms[id]; !exists {
		return r
	}
	next := Registry{
		ids:   make([]string, 0, len(r.ids)),
		forms: make(map[string]Form, len(r.forms)),
	}
	for _, existing := range r.ids {
		if existing == id {
			continue
		}
		next.ids = append(next.ids, existing)
		next.forms[existing] = r.forms[existing]
	}
	return next
}

// Drafts is the active view: only forms still in StatusDraft.
func (r Registry) Drafts() Registry {
	return r.Filter(func(form Form) bool {
		return form.Status == StatusDraft
	})
}

func (r Registry) Filter(keep func(Form) bool) Registry {
	next := Registry{forms: map[string]Form{}}
	for _, id := range r.ids {
		form := r.forms[id]
		if !keep(form) {
			continue
		}
		next.ids = append(next.ids, id)
		next.forms[id] = form
	}
	return next
}

func (r Registry) MarshalJSON() ([]byte, error) {
	items := make([]Form, 0, len(r.ids))
	for _, id := range r.ids {
		items = append(items, r.forms[id])
	}
	return json.Marshal(items)
}

func (r *Registry) UnmarshalJSON(data []byte) error {
	var items []Form
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*r = NewRegistry(items...)
	return nil
}

// copy shares stored forms: they are never mutated in place once inserted.
func (r Registry) copy() Registry {
	next := Registry{
		ids:   append([]string(nil), r.ids...),
		forms: make(map[string]Form, len(r.forms)+1),
	}
	for id, form := range r.forms {
		next.forms[id] = form
	}
	return next
}
