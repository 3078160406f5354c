// Package reconcile owns the authoritative form registry. Every change to
// a form, whether a local edit, a completion or a remote merge, goes through
// the Reconciler, which queues the new snapshot on the edit scheduler and
// publishes the registry to the app state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/formsync/internal/appstate"
	"github.com/agentworkforce/formsync/internal/durable"
	"github.com/agentworkforce/formsync/internal/forms"
	"github.com/agentworkforce/formsync/internal/remote"
	"github.com/agentworkforce/formsync/internal/scheduler"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store  durable.Store
	Remote remote.Client
	State  *appstate.Distributor
	Logger Logger

	Throttle       time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	Now func() time.Time
}

type Reconciler struct {
	store  durable.Store
	remote remote.Client
	state  *appstate.Distributor
	sched  *scheduler.Scheduler
	logger Logger
	now    func() time.Time

	mu                 sync.Mutex
	registry           forms.Registry
	pendingSubmissions []string
	remoteIDs          map[string]bool
	dirty              map[string]bool
	conflicts          int
	lastSyncAt         *time.Time
	lastError          string

	indexMu sync.Mutex
	indexed []string

	syncMu    sync.Mutex
	publishMu sync.Mutex
}

func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	state := opts.State
	if state == nil {
		state = appstate.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Reconciler{
		store:     opts.Store,
		remote:    opts.Remote,
		state:     state,
		logger:    opts.Logger,
		now:       now,
		registry:  forms.NewRegistry(),
		remoteIDs: map[string]bool{},
		dirty:     map[string]bool{},
	}
	sched, err := scheduler.New(scheduler.Options{
		Persist:        r.persistForm,
		Observer:       r,
		Logger:         opts.Logger,
		Throttle:       opts.Throttle,
		MaxAttempts:    opts.MaxAttempts,
		RetryBaseDelay: opts.RetryBaseDelay,
		RetryMaxDelay:  opts.RetryMaxDelay,
	})
	if err != nil {
		return nil, err
	}
	r.sched = sched
	return r, nil
}

func (r *Reconciler) State() *appstate.Distributor {
	return r.state
}

// Load rebuilds the registry from the store index. Snapshots that are
// missing or fail validation are skipped and logged.
func (r *Reconciler) Load(ctx context.Context) (forms.Registry, error) {
	var ids []string
	if _, err := r.readJSON(ctx, IndexKey, &ids); err != nil {
		return forms.Registry{}, fmt.Errorf("load form index: %w", err)
	}
	loaded := make([]forms.Form, 0, len(ids))
	indexed := make([]string, 0, len(ids))
	var maxSeq uint64
	for _, id := range ids {
		data, ok, err := r.store.Get(ctx, FormKey(id))
		if err != nil {
			return forms.Registry{}, err
		}
		if !ok {
			r.logf("form %s is indexed but has no snapshot; skipping", id)
			continue
		}
		form, err := forms.Decode(data)
		if err != nil {
			r.logf("form %s snapshot is unreadable; skipping: %v", id, err)
			continue
		}
		if form.Sequence > maxSeq {
			maxSeq = form.Sequence
		}
		loaded = append(loaded, form)
		indexed = append(indexed, id)
	}

	var pending []string
	if _, err := r.readJSON(ctx, PendingSubmissionsKey, &pending); err != nil {
		return forms.Registry{}, fmt.Errorf("load pending submissions: %w", err)
	}
	var rs remoteState
	if _, err := r.readJSON(ctx, RemoteStateKey, &rs); err != nil {
		return forms.Registry{}, fmt.Errorf("load sync state: %w", err)
	}

	r.sched.AdvanceSequence(maxSeq)
	r.indexMu.Lock()
	r.indexed = indexed
	r.indexMu.Unlock()

	r.mu.Lock()
	r.registry = forms.NewRegistry(loaded...)
	r.pendingSubmissions = pending
	r.remoteIDs = toSet(rs.RemoteIDs)
	r.dirty = toSet(rs.Dirty)
	r.conflicts = rs.Conflicts
	r.lastSyncAt = rs.LastSyncAt
	registry := r.registry
	r.mu.Unlock()

	r.state.Dispatch(appstate.Patch{Loaded: appstate.Bool(true)})
	r.publish()
	return registry, nil
}

func (r *Reconciler) Registry() forms.Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry
}

// Open returns a deep copy of a form for editing. Changes to the copy reach
// the registry only through EditForm, FlushForm or CompleteForm.
func (r *Reconciler) Open(id string) (forms.Form, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	form, ok := r.registry.Get(id)
	if !ok {
		return forms.Form{}, fmt.Errorf("form %s: %w", id, forms.ErrNotFound)
	}
	return form, nil
}

// CreateForm starts a new local draft from template and writes it at once.
func (r *Reconciler) CreateForm(ctx context.Context, template forms.Template) (forms.Form, error) {
	if len(template.Fields) == 0 {
		return forms.Form{}, fmt.Errorf("%w: template has no fields", forms.ErrInvalidInput)
	}
	form := forms.New(template, r.now())

	r.mu.Lock()
	seq, err := r.sched.SubmitEdit(form)
	if err != nil {
		r.mu.Unlock()
		return forms.Form{}, err
	}
	form.Sequence = seq
	r.registry = r.registry.With(form)
	r.dirty[form.ID] = true
	r.mu.Unlock()

	r.flush(ctx, form.ID, seq)
	r.publish()
	return form.Clone(), nil
}

// EditForm accepts an edited working copy. The copy is overlaid on the
// registry entry field by field, so values merged in from the remote since
// the copy was opened are kept unless the user changed them later. It never
// blocks on storage.
func (r *Reconciler) EditForm(form forms.Form) error {
	r.mu.Lock()
	if _, _, err := r.submitLocked(form, "edit"); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	r.publish()
	return nil
}

// FlushForm writes the form now and returns the registry, which then holds
// every edit submitted before the call. A storage failure does not fail the
// call: the snapshot stays in the registry and is reported as unsynced.
func (r *Reconciler) FlushForm(ctx context.Context, form forms.Form) (forms.Registry, error) {
	r.mu.Lock()
	_, seq, err := r.submitLocked(form, "flush")
	r.mu.Unlock()
	if err != nil {
		return r.Registry(), err
	}
	r.flush(ctx, form.ID, seq)
	r.publish()
	return r.Registry(), nil
}

// CompleteForm marks a draft completed once every required field has a
// value. On a *forms.ValidationError nothing changes. Remote submission is
// attempted afterwards; if it fails the form stays completed and is queued
// for resubmission on the next Sync.
func (r *Reconciler) CompleteForm(ctx context.Context, form forms.Form) (forms.Registry, error) {
	r.mu.Lock()
	merged, err := r.overlayLocked(form, "complete")
	if err != nil {
		r.mu.Unlock()
		return r.Registry(), err
	}
	if err := merged.Validate(); err != nil {
		registry := r.registry
		r.mu.Unlock()
		return registry, err
	}
	merged.Status = forms.StatusCompleted
	merged.UpdatedAt = r.now().UTC()
	seq, err := r.sched.SubmitEdit(merged)
	if err != nil {
		r.mu.Unlock()
		return r.Registry(), err
	}
	merged.Sequence = seq
	r.registry = r.registry.With(merged)
	r.dirty[merged.ID] = true
	r.mu.Unlock()

	r.flush(ctx, merged.ID, seq)
	r.submit(ctx, merged)
	r.publish()
	return r.Registry(), nil
}

// Close flushes every pending edit. Call it before the process exits.
func (r *Reconciler) Close(ctx context.Context) error {
	err := r.sched.Close(ctx)
	if saveErr := r.saveRemoteState(ctx); saveErr != nil {
		err = errors.Join(err, saveErr)
	}
	return err
}

func (r *Reconciler) Status() appstate.SyncStatus {
	r.mu.Lock()
	status := appstate.SyncStatus{
		PendingSubmission: append([]string{}, r.pendingSubmissions...),
		LastError:         r.lastError,
		Conflicts:         r.conflicts,
	}
	if r.lastSyncAt != nil {
		at := *r.lastSyncAt
		status.LastSyncAt = &at
	}
	r.mu.Unlock()
	status.Pending = r.sched.Pending()
	status.Unsynced = r.sched.Unsynced()
	return status
}

// OnPersisted implements scheduler.Observer.
func (r *Reconciler) OnPersisted(form forms.Form) {
	r.publish()
}

// OnPersistFailed implements scheduler.Observer.
func (r *Reconciler) OnPersistFailed(form forms.Form, err error) {
	r.logf("form %s is unsynced after retries: %v", form.ID, err)
	r.mu.Lock()
	r.lastError = err.Error()
	r.mu.Unlock()
	r.publish()
}

func (r *Reconciler) overlayLocked(form forms.Form, op string) (forms.Form, error) {
	if form.ID == "" {
		return forms.Form{}, forms.ErrInvalidInput
	}
	if form.IsCompleted() {
		return forms.Form{}, &forms.StateError{FormID: form.ID, Status: form.Status, Op: op}
	}
	base, ok := r.registry.Get(form.ID)
	if !ok {
		return form.Clone(), nil
	}
	if base.IsCompleted() {
		return forms.Form{}, &forms.StateError{FormID: form.ID, Status: base.Status, Op: op}
	}
	return forms.Overlay(base, form), nil
}

func (r *Reconciler) submitLocked(form forms.Form, op string) (forms.Form, uint64, error) {
	merged, err := r.overlayLocked(form, op)
	if err != nil {
		return forms.Form{}, 0, err
	}
	seq, err := r.sched.SubmitEdit(merged)
	if err != nil {
		return forms.Form{}, 0, err
	}
	merged.Sequence = seq
	r.registry = r.registry.With(merged)
	r.dirty[merged.ID] = true
	return merged, seq, nil
}

// flush writes a queued snapshot now. Failures are already reported through
// the observer, so they are only logged here.
func (r *Reconciler) flush(ctx context.Context, id string, seq uint64) {
	if _, err := r.sched.Flush(ctx, id, seq); err != nil {
		r.logf("flush form %s: %v", id, err)
	}
}

// submit sends a completed form to the remote. Any failure, including a
// missing remote, leaves the form pending submission.
func (r *Reconciler) submit(ctx context.Context, form forms.Form) {
	var err error
	if r.remote == nil {
		err = ErrNoRemote
	} else {
		err = r.remote.SubmitCompletedForm(ctx, form)
	}
	if err == nil {
		r.clearPendingSubmission(ctx, form.ID)
		return
	}
	subErr := &forms.SubmissionError{FormID: form.ID, Err: err}
	r.logf("%v; will retry on next sync", subErr)
	r.mu.Lock()
	r.lastError = subErr.Error()
	added := addID(&r.pendingSubmissions, form.ID)
	r.mu.Unlock()
	if added {
		if err := r.savePendingSubmissions(ctx); err != nil {
			r.logf("save pending submissions: %v", err)
		}
	}
}

func (r *Reconciler) clearPendingSubmission(ctx context.Context, id string) {
	r.mu.Lock()
	removed := removeID(&r.pendingSubmissions, id)
	r.mu.Unlock()
	if removed {
		if err := r.savePendingSubmissions(ctx); err != nil {
			r.logf("save pending submissions: %v", err)
		}
	}
}

// publish pushes the current registry and sync status to the app state.
// Serialized so that subscribers never see an older registry after a newer
// one.
func (r *Reconciler) publish() {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	registry := r.Registry()
	status := r.Status()
	r.state.Dispatch(appstate.Patch{Forms: &registry, Sync: &status})
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

func addID(ids *[]string, id string) bool {
	for _, existing := range *ids {
		if existing == id {
			return false
		}
	}
	*ids = append(*ids, id)
	return true
}

func removeID(ids *[]string, id string) bool {
	for i, existing := range *ids {
		if existing == id {
			*ids = append((*ids)[:i:i], (*ids)[i+1:]...)
			return true
		}
	}
	return false
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
