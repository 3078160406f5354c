package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/agentworkforce/formsync/internal/forms"
)

var ErrNoRemote = errors.New("no remote configured")

// MergeRemote folds a remote registry snapshot into the local one with
// forms.MergeRegistry. Changed forms are written immediately; conflicts are
// counted and logged but never fail the merge. Merging the same snapshot
// twice writes nothing the second time.
func (r *Reconciler) MergeRemote(ctx context.Context, snapshot forms.Registry) (forms.Registry, error) {
	type queued struct {
		id  string
		seq uint64
	}
	var writes []queued

	r.mu.Lock()
	current := r.registry
	merged, conflicts := forms.MergeRegistry(current, snapshot)
	next := current
	for _, id := range merged.IDs() {
		form, _ := merged.Get(id)
		if existing, ok := current.Get(id); ok && reflect.DeepEqual(existing, form) {
			continue
		}
		seq, err := r.sched.SubmitEdit(form)
		if err != nil {
			r.mu.Unlock()
			return r.Registry(), err
		}
		form.Sequence = seq
		next = next.With(form)
		writes = append(writes, queued{id: id, seq: seq})
	}
	r.registry = next
	r.conflicts += len(conflicts)
	r.mu.Unlock()

	for _, conflict := range conflicts {
		r.logf("%v", conflict)
	}
	for _, w := range writes {
		r.flush(ctx, w.id, w.seq)
	}
	if len(conflicts) > 0 {
		if err := r.saveRemoteState(ctx); err != nil {
			r.logf("save sync state: %v", err)
		}
	}
	r.publish()
	return r.Registry(), nil
}

// Sync runs one full reconciliation round: retry unsynced writes, fetch the
// remote registry, merge it, drop drafts the remote deleted, and resubmit
// completed forms that were never acknowledged.
func (r *Reconciler) Sync(ctx context.Context) error {
	if r.remote == nil {
		return ErrNoRemote
	}
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	if err := r.sched.RetryUnsynced(ctx); err != nil {
		r.logf("retry unsynced writes: %v", err)
	}

	snapshot, err := r.remote.FetchForms(ctx)
	if err != nil {
		r.recordError(fmt.Errorf("fetch forms: %w", err))
		return err
	}
	if _, err := r.MergeRemote(ctx, snapshot); err != nil {
		r.recordError(err)
		return err
	}
	if err := r.dropRemoteDeletions(ctx, snapshot); err != nil {
		r.logf("drop remote deletions: %v", err)
	}

	var submitErrs []error
	for _, id := range r.pendingSubmissionIDs() {
		form, ok := r.Registry().Get(id)
		if !ok || !form.IsCompleted() {
			r.clearPendingSubmission(ctx, id)
			continue
		}
		if err := r.remote.SubmitCompletedForm(ctx, form); err != nil {
			submitErrs = append(submitErrs, &forms.SubmissionError{FormID: id, Err: err})
			continue
		}
		r.clearPendingSubmission(ctx, id)
	}

	now := r.now().UTC()
	r.mu.Lock()
	r.lastSyncAt = &now
	if len(submitErrs) == 0 {
		r.lastError = ""
	}
	r.mu.Unlock()
	if err := errors.Join(submitErrs...); err != nil {
		r.recordError(err)
	}
	if err := r.saveRemoteState(ctx); err != nil {
		r.logf("save sync state: %v", err)
	}
	r.publish()
	return nil
}

// dropRemoteDeletions removes drafts that the previous fetch returned, the
// current one does not, and that were never touched locally.
func (r *Reconciler) dropRemoteDeletions(ctx context.Context, snapshot forms.Registry) error {
	pending := toSet(r.sched.Pending())
	for _, id := range r.sched.Unsynced() {
		pending[id] = true
	}

	r.mu.Lock()
	removed := map[string]bool{}
	next := r.registry
	for id := range r.remoteIDs {
		if snapshot.Has(id) || r.dirty[id] || pending[id] {
			continue
		}
		form, ok := next.Get(id)
		if !ok || form.IsCompleted() {
			continue
		}
		next = next.Without(id)
		removed[id] = true
	}
	r.registry = next
	r.remoteIDs = toSet(snapshot.IDs())
	r.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	var errs []error
	for id := range removed {
		r.logf("form %s was deleted remotely; removing local draft", id)
		if err := r.store.Remove(ctx, FormKey(id)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.dropIndexed(ctx, removed); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reload picks up a snapshot written to the store outside this process, for
// example restored from a backup or edited by hand. Keys
// that are not form snapshots, and snapshots not newer than the registry
// entry (including this process's own writes), are ignored.
func (r *Reconciler) Reload(ctx context.Context, key string) error {
	id, ok := FormIDFromKey(key)
	if !ok {
		return nil
	}
	data, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	disk, err := forms.Decode(data)
	if err != nil {
		return err
	}
	if disk.ID != id {
		return fmt.Errorf("%w: snapshot under %s carries id %s", forms.ErrInvalidPayload, key, disk.ID)
	}
	r.sched.AdvanceSequence(disk.Sequence)

	r.mu.Lock()
	current, exists := r.registry.Get(id)
	if exists && current.Sequence >= disk.Sequence {
		r.mu.Unlock()
		return nil
	}
	merged := disk
	if exists {
		merged, _ = forms.Merge(current, disk)
		merged.Sequence = disk.Sequence
	}
	var seq uint64
	if !reflect.DeepEqual(merged, disk) {
		seq, err = r.sched.SubmitEdit(merged)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		merged.Sequence = seq
	}
	r.registry = r.registry.With(merged)
	r.mu.Unlock()

	if err := r.ensureIndexed(ctx, id); err != nil {
		r.logf("index reloaded form %s: %v", id, err)
	}
	r.publish()
	return nil
}

func (r *Reconciler) pendingSubmissionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pendingSubmissions...)
}

func (r *Reconciler) recordError(err error) {
	r.logf("sync: %v", err)
	r.mu.Lock()
	r.lastError = err.Error()
	r.mu.Unlock()
	r.publish()
}
