package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/formsync/internal/appstate"
	"github.com/agentworkforce/formsync/internal/durable"
	"github.com/agentworkforce/formsync/internal/forms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

type countingStore struct {
	*durable.InMemoryStore
	mu       sync.Mutex
	sets     map[string]int
	failForm atomic.Bool
}

func newCountingStore() *countingStore {
	return &countingStore{InMemoryStore: durable.NewInMemoryStore(), sets: map[string]int{}}
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte) error {
	if s.failForm.Load() && strings.HasPrefix(key, "forms/") && key != IndexKey {
		return &durable.StorageError{Op: "set", Key: key, Err: errors.New("disk full")}
	}
	s.mu.Lock()
	s.sets[key]++
	s.mu.Unlock()
	return s.InMemoryStore.Set(ctx, key, value)
}

func (s *countingStore) writes(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[key]
}

type fakeRemote struct {
	mu        sync.Mutex
	registry  forms.Registry
	fetchErr  error
	submitErr error
	submitted []string
}

func (f *fakeRemote) FetchForms(context.Context) (forms.Registry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registry, f.fetchErr
}

func (f *fakeRemote) SubmitCompletedForm(_ context.Context, form forms.Form) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, form.ID)
	return nil
}

func (f *fakeRemote) set(registry forms.Registry, submitErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registry = registry
	f.submitErr = submitErr
}

func contactTemplate() forms.Template {
	return forms.Template{
		ID:       "contact",
		Label:    "Contact",
		Revision: "1.0.0",
		Fields: []forms.Field{
			{ID: "name", Type: "text", Required: true},
			{ID: "age", Type: "text"},
			{ID: "email", Type: "text", Required: true},
			{ID: "notes", Type: "text"},
		},
	}
}

func newReconciler(t *testing.T, store durable.Store, rc *fakeRemote) *Reconciler {
	t.Helper()
	opts := Options{
		Store:          store,
		Throttle:       time.Hour,
		MaxAttempts:    2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}
	if rc != nil {
		opts.Remote = rc
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func storedForm(t *testing.T, store durable.Store, id string) forms.Form {
	t.Helper()
	data, ok, err := store.Get(context.Background(), FormKey(id))
	require.NoError(t, err)
	require.True(t, ok, "snapshot for %s not stored", id)
	form, err := forms.Decode(data)
	require.NoError(t, err)
	return form
}

func TestFlushFormPersistsEditsInsideThrottleWindowWithOneWrite(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	r := newReconciler(t, store, nil)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)
	before := store.writes(FormKey(created.ID))

	working, err := r.Open(created.ID)
	require.NoError(t, err)
	working.Set("name", "Alice", time.Now())
	require.NoError(t, r.EditForm(working))
	working.Set("age", "30", time.Now())
	require.NoError(t, r.EditForm(working))

	registry, err := r.FlushForm(ctx, working)
	require.NoError(t, err)

	got, ok := registry.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "Alice", got.Values["name"])
	assert.Equal(t, "30", got.Values["age"])
	assert.Equal(t, 1, store.writes(FormKey(created.ID))-before)
	stored := storedForm(t, store, created.ID)
	assert.Equal(t, map[string]any{"name": "Alice", "age": "30"}, stored.Values)
	assert.Empty(t, r.Status().Pending)
}

func TestCompleteFormMissingRequiredFieldLeavesDraft(t *testing.T) {
	ctx := context.Background()
	rc := &fakeRemote{}
	r := newReconciler(t, newCountingStore(), rc)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)
	working, _ := r.Open(created.ID)
	working.Set("name", "Alice", time.Now())
	_, err = r.FlushForm(ctx, working)
	require.NoError(t, err)
	before := r.Registry()

	registry, err := r.CompleteForm(ctx, working)

	require.Error(t, err)
	var verr *forms.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"email"}, verr.Missing)
	assert.Equal(t, before.Forms(), registry.Forms())
	got, _ := r.Registry().Get(created.ID)
	assert.Equal(t, forms.StatusDraft, got.Status)
	assert.Empty(t, rc.submitted)
}

func TestCompleteFormShrinksDraftViewAndSubmits(t *testing.T) {
	ctx := context.Background()
	rc := &fakeRemote{}
	store := newCountingStore()
	r := newReconciler(t, store, rc)
	first, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)
	_, err = r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)
	draftsBefore := r.Registry().Drafts().Len()

	working, _ := r.Open(first.ID)
	working.Set("name", "Alice", time.Now())
	working.Set("email", "alice@example.com", time.Now())
	registry, err := r.CompleteForm(ctx, working)

	require.NoError(t, err)
	assert.Equal(t, draftsBefore-1, registry.Drafts().Len())
	got, _ := registry.Get(first.ID)
	assert.Equal(t, forms.StatusCompleted, got.Status)
	assert.Equal(t, forms.StatusCompleted, storedForm(t, store, first.ID).Status)
	assert.Equal(t, []string{first.ID}, rc.submitted)
	assert.Empty(t, r.Status().PendingSubmission)

	err = r.EditForm(working)
	assert.ErrorIs(t, err, forms.ErrInvalidState)
	_, err = r.FlushForm(ctx, working)
	assert.ErrorIs(t, err, forms.ErrInvalidState)
}

func TestFailedSubmissionKeepsCompletedAndRetriesOnSync(t *testing.T) {
	ctx := context.Background()
	rc := &fakeRemote{submitErr: errors.New("gateway timeout")}
	store := newCountingStore()
	r := newReconciler(t, store, rc)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)
	working, _ := r.Open(created.ID)
	working.Set("name", "Alice", time.Now())
	working.Set("email", "alice@example.com", time.Now())

	registry, err := r.CompleteForm(ctx, working)
	require.NoError(t, err)
	got, _ := registry.Get(created.ID)
	assert.Equal(t, forms.StatusCompleted, got.Status)
	status := r.Status()
	assert.Equal(t, []string{created.ID}, status.PendingSubmission)
	assert.Contains(t, status.LastError, "gateway timeout")

	rc.set(forms.NewRegistry(), nil)
	require.NoError(t, r.Sync(ctx))
	assert.Empty(t, r.Status().PendingSubmission)
	assert.Equal(t, []string{created.ID}, rc.submitted)
	got, _ = r.Registry().Get(created.ID)
	assert.Equal(t, forms.StatusCompleted, got.Status)
}

func TestMergeRemoteKeepsLocalOnlyFieldAndTakesNewerRemote(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	r := newReconciler(t, store, nil)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)
	working, _ := r.Open(created.ID)
	working.Set("name", "Alice", t0)
	working.Set("notes", "draft text", t1)
	_, err = r.FlushForm(ctx, working)
	require.NoError(t, err)

	remoteForm := created.Clone()
	remoteForm.Values = map[string]any{}
	remoteForm.Modified = map[string]time.Time{}
	remoteForm.Set("name", "Bob", t2)
	snapshot := forms.NewRegistry(remoteForm)

	registry, err := r.MergeRemote(ctx, snapshot)
	require.NoError(t, err)
	got, _ := registry.Get(created.ID)
	assert.Equal(t, "Bob", got.Values["name"])
	assert.Equal(t, "draft text", got.Values["notes"])
	assert.Equal(t, 1, r.Status().Conflicts)
	stored := storedForm(t, store, created.ID)
	assert.Equal(t, "Bob", stored.Values["name"])

	writes := store.writes(FormKey(created.ID))
	again, err := r.MergeRemote(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, registry.Forms(), again.Forms())
	assert.Equal(t, writes, store.writes(FormKey(created.ID)), "second merge must not write")
	assert.Equal(t, 1, r.Status().Conflicts)
}

func TestEditOverlaysWorkingCopyOnMergedRegistry(t *testing.T) {
	ctx := context.Background()
	r := newReconciler(t, newCountingStore(), nil)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)
	working, _ := r.Open(created.ID)

	remoteForm := created.Clone()
	remoteForm.Set("email", "bob@example.com", t1)
	_, err = r.MergeRemote(ctx, forms.NewRegistry(remoteForm))
	require.NoError(t, err)

	working.Set("name", "Alice", t2)
	registry, err := r.FlushForm(ctx, working)
	require.NoError(t, err)
	got, _ := registry.Get(created.ID)
	assert.Equal(t, "Alice", got.Values["name"])
	assert.Equal(t, "bob@example.com", got.Values["email"], "stale working copy must not erase merged value")
}

func TestFlushFormKeepsMapEditsWhole(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	r := newReconciler(t, store, nil)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)

	working, _ := r.Open(created.ID)
	working.Set("notes", map[string]any{"lat": 1.0, "lon": 2.0, "alt": 3.0}, t1)
	require.NoError(t, r.EditForm(working))
	working.Set("notes", map[string]any{"lat": 5.0, "lon": 6.0}, t2)
	_, err = r.FlushForm(ctx, working)
	require.NoError(t, err)

	want := map[string]any{"lat": 5.0, "lon": 6.0}
	assert.Equal(t, want, storedForm(t, store, created.ID).Values["notes"])
	got, _ := r.Registry().Get(created.ID)
	assert.Equal(t, want, got.Values["notes"])

	working.Set("notes", map[string]any{}, t2.Add(time.Minute))
	_, err = r.FlushForm(ctx, working)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, storedForm(t, store, created.ID).Values["notes"])
}

func TestMergeRemoteIsIdempotentWhenRemoteSequenceIsAhead(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	r := newReconciler(t, store, nil)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)

	shared := created.Clone()
	shared.Set("name", "Bob", t2)
	shared.Sequence = 1000
	remoteOnly := forms.New(contactTemplate(), t0)
	remoteOnly.Set("name", "Carol", t1)
	remoteOnly.Sequence = 2000
	snapshot := forms.NewRegistry(shared, remoteOnly)

	first, err := r.MergeRemote(ctx, snapshot)
	require.NoError(t, err)
	sharedWrites := store.writes(FormKey(created.ID))
	remoteWrites := store.writes(FormKey(remoteOnly.ID))

	second, err := r.MergeRemote(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, first.Forms(), second.Forms())
	assert.Equal(t, sharedWrites, store.writes(FormKey(created.ID)))
	assert.Equal(t, remoteWrites, store.writes(FormKey(remoteOnly.ID)))
	got, _ := second.Get(created.ID)
	assert.Equal(t, "Bob", got.Values["name"])
	assert.Less(t, got.Sequence, uint64(1000))
}

func TestLoadRebuildsRegistryAndContinuesSequence(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	first := newReconciler(t, store, nil)
	created, err := first.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)
	working, _ := first.Open(created.ID)
	working.Set("name", "Alice", time.Now())
	require.NoError(t, first.EditForm(working))
	require.NoError(t, first.Close(ctx))
	persistedSeq := storedForm(t, store, created.ID).Sequence

	second := newReconciler(t, store, nil)
	registry, err := second.Load(ctx)
	require.NoError(t, err)
	got, ok := registry.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "Alice", got.Values["name"], "edit pending at close must survive restart")
	assert.True(t, second.State().State().Loaded)

	working, _ = second.Open(created.ID)
	working.Set("age", "31", time.Now())
	_, err = second.FlushForm(ctx, working)
	require.NoError(t, err)
	assert.Greater(t, storedForm(t, store, created.ID).Sequence, persistedSeq)
}

func TestLoadSkipsUnreadableSnapshots(t *testing.T) {
	ctx := context.Background()
	store := durable.NewInMemoryStore()
	require.NoError(t, store.Set(ctx, IndexKey, []byte(`["gone","broken"]`)))
	require.NoError(t, store.Set(ctx, FormKey("broken"), []byte(`{"id":`)))

	registry, err := newReconciler(t, store, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, registry.Len())
}

func TestSyncDropsOnlyCleanRemoteDeletedDrafts(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	template := contactTemplate()
	clean := forms.New(template, t0)
	touched := forms.New(template, t0)
	rc := &fakeRemote{registry: forms.NewRegistry(clean, touched)}
	r := newReconciler(t, store, rc)

	require.NoError(t, r.Sync(ctx))
	assert.Equal(t, 2, r.Registry().Len())
	local, err := r.CreateForm(ctx, template)
	require.NoError(t, err)
	working, _ := r.Open(touched.ID)
	working.Set("name", "Alice", time.Now())
	_, err = r.FlushForm(ctx, working)
	require.NoError(t, err)

	rc.set(forms.NewRegistry(), nil)
	require.NoError(t, r.Sync(ctx))

	registry := r.Registry()
	assert.False(t, registry.Has(clean.ID))
	assert.True(t, registry.Has(touched.ID))
	assert.True(t, registry.Has(local.ID))
	_, ok, _ := store.Get(ctx, FormKey(clean.ID))
	assert.False(t, ok)
	assert.NotNil(t, r.Status().LastSyncAt)

	reloaded, err := newReconciler(t, store, nil).Load(ctx)
	require.NoError(t, err)
	assert.False(t, reloaded.Has(clean.ID))
}

func TestSyncWithoutRemoteOrFailingFetch(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, newReconciler(t, newCountingStore(), nil).Sync(ctx), ErrNoRemote)

	rc := &fakeRemote{fetchErr: errors.New("offline")}
	r := newReconciler(t, newCountingStore(), rc)
	assert.Error(t, r.Sync(ctx))
	assert.Contains(t, r.Status().LastError, "offline")
}

func TestStorageFailureNeverFailsEditsAndIsReported(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	r := newReconciler(t, store, nil)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)

	var states []appstate.State
	var mu sync.Mutex
	cancel := r.State().Subscribe(func(s appstate.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer cancel()

	store.failForm.Store(true)
	working, _ := r.Open(created.ID)
	working.Set("name", "Alice", time.Now())
	require.NoError(t, r.EditForm(working))
	registry, err := r.FlushForm(ctx, working)
	require.NoError(t, err)

	got, _ := registry.Get(created.ID)
	assert.Equal(t, "Alice", got.Values["name"], "registry keeps the edit in memory")
	status := r.Status()
	assert.Equal(t, []string{created.ID}, status.Unsynced)
	assert.Contains(t, status.LastError, "disk full")

	mu.Lock()
	last := states[len(states)-1]
	mu.Unlock()
	assert.Equal(t, []string{created.ID}, last.Sync.Unsynced)

	store.failForm.Store(false)
	rc := &fakeRemote{registry: forms.NewRegistry()}
	r.remote = rc
	require.NoError(t, r.Sync(ctx))
	assert.Empty(t, r.Status().Unsynced)
	assert.Equal(t, "Alice", storedForm(t, store, created.ID).Values["name"])
}

func TestReloadPicksUpExternalWritesOnly(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	r := newReconciler(t, store, nil)
	created, err := r.CreateForm(ctx, contactTemplate())
	require.NoError(t, err)

	require.NoError(t, r.Reload(ctx, FormKey(created.ID)))
	got, _ := r.Registry().Get(created.ID)
	assert.Empty(t, got.Values)

	external := storedForm(t, store, created.ID)
	external.Set("notes", "from another process", time.Now())
	external.Sequence += 100
	data, err := forms.Encode(external)
	require.NoError(t, err)
	require.NoError(t, store.InMemoryStore.Set(ctx, FormKey(created.ID), data))

	require.NoError(t, r.Reload(ctx, FormKey(created.ID)))
	got, _ = r.Registry().Get(created.ID)
	assert.Equal(t, "from another process", got.Values["notes"])
	require.NoError(t, r.Reload(ctx, IndexKey))
	require.NoError(t, r.Reload(ctx, "camera.flash"))
}

func TestFormIDFromKey(t *testing.T) {
	id, ok := FormIDFromKey("forms/abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = FormIDFromKey(IndexKey)
	assert.False(t, ok)
	_, ok = FormIDFromKey("forms/")
	assert.False(t, ok)
	_, ok = FormIDFromKey("camera.facing")
	assert.False(t, ok)
}
