package httpapi

import (
	"sort"
	"sync"

	"github.com/agentworkforce/formsync/internal/forms"
	"github.com/agentworkforce/formsync/internal/reconcile"
)

// sessions holds the working copies opened through the API, one per form.
// A working copy reaches the registry only through EditForm, FlushForm or
// CompleteForm.
type sessions struct {
	mu    sync.Mutex
	forms map[string]forms.Form
}

func newSessions() *sessions {
	return &sessions{forms: map[string]forms.Form{}}
}

// open replaces any existing working copy with a fresh deep copy.
func (s *sessions) open(engine *reconcile.Reconciler, id string) (forms.Form, error) {
	form, err := engine.Open(id)
	if err != nil {
		return forms.Form{}, err
	}
	s.mu.Lock()
	s.forms[id] = form
	s.mu.Unlock()
	return form.Clone(), nil
}

// update applies fn to the working copy of id, opening one when none
// exists. The copy is stored only when fn succeeds.
func (s *sessions) update(engine *reconcile.Reconciler, id string, fn func(*forms.Form) error) (forms.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	form, ok := s.forms[id]
	if !ok {
		opened, err := engine.Open(id)
		if err != nil {
			return forms.Form{}, err
		}
		form = opened
	}
	form = form.Clone()
	if err := fn(&form); err != nil {
		return forms.Form{}, err
	}
	s.forms[id] = form
	return form.Clone(), nil
}

// current returns the working copy of id, or the registry entry when the
// form was never opened.
func (s *sessions) current(engine *reconcile.Reconciler, id string) (forms.Form, error) {
	s.mu.Lock()
	form, ok := s.forms[id]
	s.mu.Unlock()
	if ok {
		return form.Clone(), nil
	}
	return engine.Open(id)
}

func (s *sessions) discard(id string) {
	s.mu.Lock()
	delete(s.forms, id)
	s.mu.Unlock()
}

// drain removes and returns every open working copy ordered by ID.
func (s *sessions) drain() []forms.Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]forms.Form, 0, len(s.forms))
	for _, form := range s.forms {
		out = append(out, form)
	}
	s.forms = map[string]forms.Form{}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
