package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentworkforce/formsync/internal/forms"
)

const (
	formKeyPrefix         = "forms/"
	IndexKey              = "forms/index"
	PendingSubmissionsKey = "sync/pending-submissions"
	RemoteStateKey        = "sync/remote-state"
)

func FormKey(id string) string {
	return formKeyPrefix + id
}

// FormIDFromKey reports the form ID addressed by a snapshot key.
func FormIDFromKey(key string) (string, bool) {
	if len(key) <= len(formKeyPrefix) || key[:len(formKeyPrefix)] != formKeyPrefix || key == IndexKey {
		return "", false
	}
	return key[len(formKeyPrefix):], true
}

// remoteState is what Sync needs to remember between runs to tell a remote
// deletion apart from a form that was only ever local.
type remoteState struct {
	RemoteIDs  []string   `json:"remoteIds"`
	Dirty      []string   `json:"dirty"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	Conflicts  int        `json:"conflicts"`
}

// persistForm is the scheduler's write path: the snapshot first, then the
// index entry, so the index never names a form that was not written.
func (r *Reconciler) persistForm(ctx context.Context, form forms.Form) error {
	data, err := forms.Encode(form)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, FormKey(form.ID), data); err != nil {
		return err
	}
	return r.ensureIndexed(ctx, form.ID)
}

func (r *Reconciler) ensureIndexed(ctx context.Context, id string) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	for _, existing := range r.indexed {
		if existing == id {
			return nil
		}
	}
	next := append(append([]string(nil), r.indexed...), id)
	if err := r.writeJSON(ctx, IndexKey, next); err != nil {
		return err
	}
	r.indexed = next
	return nil
}

func (r *Reconciler) dropIndexed(ctx context.Context, ids map[string]bool) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	next := make([]string, 0, len(r.indexed))
	for _, id := range r.indexed {
		if !ids[id] {
			next = append(next, id)
		}
	}
	if len(next) == len(r.indexed) {
		return nil
	}
	if err := r.writeJSON(ctx, IndexKey, next); err != nil {
		return err
	}
	r.indexed = next
	return nil
}

func (r *Reconciler) writeJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, data)
}

// readJSON reports false when the key is absent.
func (r *Reconciler) readJSON(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) savePendingSubmissions(ctx context.Context) error {
	r.mu.Lock()
	ids := append([]string{}, r.pendingSubmissions...)
	r.mu.Unlock()
	return r.writeJSON(ctx, PendingSubmissionsKey, ids)
}

func (r *Reconciler) saveRemoteState(ctx context.Context) error {
	r.mu.Lock()
	state := remoteState{
		RemoteIDs:  sortedKeys(r.remoteIDs),
		Dirty:      sortedKeys(r.dirty),
		LastSyncAt: r.lastSyncAt,
		Conflicts:  r.conflicts,
	}
	r.mu.Unlock()
	return r.writeJSON(ctx, RemoteStateKey, state)
}
