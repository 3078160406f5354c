package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/formsync/internal/forms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

type recorder struct {
	mu       sync.Mutex
	writes   []forms.Form
	failNext int
	failAll  bool
	delay    time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (r *recorder) persist(_ context.Context, form forms.Form) error {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		peak := r.maxInflight.Load()
		if n <= peak || r.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errDiskFull
	}
	if r.failNext > 0 {
		r.failNext--
		return errDiskFull
	}
	r.writes = append(r.writes, form)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func (r *recorder) last() forms.Form {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[len(r.writes)-1]
}

func (r *recorder) setFailAll(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAll = v
}

type observer struct {
	mu        sync.Mutex
	persisted []uint64
	failed    []error
}

func (o *observer) OnPersisted(form forms.Form) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persisted = append(o.persisted, form.Sequence)
}

func (o *observer) OnPersistFailed(_ forms.Form, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *observer) failures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failed)
}

func newForm() forms.Form {
	template := forms.Template{
		ID:       "contact",
		Revision: "1.0.0",
		Fields: []forms.Field{
			{ID: "name", Type: "text"},
			{ID: "age", Type: "text"},
		},
	}
	return forms.New(template, time.Now())
}

func newScheduler(t *testing.T, rec *recorder, obs Observer, throttle time.Duration) *Scheduler {
	t.Helper()
	s, err := New(Options{
		Persist:        rec.persist,
		Observer:       obs,
		Throttle:       throttle,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestForceFlushWithinThrottleWindowWritesOnce(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(t, rec, nil, 200*time.Millisecond)
	form := newForm()

	form.Set("name", "Alice", time.Now())
	_, err := s.SubmitEdit(form)
	require.NoError(t, err)
	form.Set("age", "30", time.Now())
	_, err = s.SubmitEdit(form)
	require.NoError(t, err)

	persisted, err := s.ForceFlush(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, "Alice", persisted.Values["name"])
	assert.Equal(t, "30", persisted.Values["age"])

	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, map[string]any{"name": "Alice", "age": "30"}, rec.last().Values)
	assert.Empty(t, s.Pending())
}

func TestTimerCoalescesEditsIntoOneWrite(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(t, rec, nil, 30*time.Millisecond)
	form := newForm()

	for _, name := range []string{"A", "Al", "Ali", "Alice"} {
		form.Set("name", name, time.Now())
		_, err := s.SubmitEdit(form)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{form.ID}, s.Pending())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Alice", rec.last().Values["name"])
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestSubmitEditSnapshotsTheForm(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(t, rec, nil, 20*time.Millisecond)
	form := newForm()
	form.Set("name", "Alice", time.Now())
	_, err := s.SubmitEdit(form)
	require.NoError(t, err)

	form.Values["name"] = "mutated after submit"

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Alice", rec.last().Values["name"])
}

func TestSequenceIsStrictlyIncreasing(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(t, rec, nil, time.Hour)
	s.AdvanceSequence(41)
	a, err := s.SubmitEdit(newForm())
	require.NoError(t, err)
	b, err := s.SubmitEdit(newForm())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), a)
	assert.Equal(t, uint64(43), b)
	s.AdvanceSequence(10)
	c, _ := s.SubmitEdit(newForm())
	assert.Equal(t, uint64(44), c)
}

func TestRetriesThenSucceeds(t *testing.T) {
	rec := &recorder{failNext: 2}
	obs := &observer{}
	s := newScheduler(t, rec, obs, time.Hour)
	form := newForm()
	form.Set("name", "Alice", time.Now())

	persisted, err := s.ForceFlush(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []uint64{persisted.Sequence}, obs.persisted)
	assert.Zero(t, obs.failures())
}

func TestExhaustedRetriesReachObserverNotEditCaller(t *testing.T) {
	rec := &recorder{failAll: true}
	obs := &observer{}
	s := newScheduler(t, rec, obs, 10*time.Millisecond)
	form := newForm()
	form.Set("name", "Alice", time.Now())

	_, err := s.SubmitEdit(form)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return obs.failures() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, obs.failed[0], errDiskFull)
	assert.Equal(t, []string{form.ID}, s.Unsynced())

	rec.setFailAll(false)
	require.NoError(t, s.RetryUnsynced(context.Background()))
	assert.Empty(t, s.Unsynced())
	assert.Equal(t, "Alice", rec.last().Values["name"])
}

func TestForceFlushReturnsPersistError(t *testing.T) {
	rec := &recorder{failAll: true}
	s := newScheduler(t, rec, nil, time.Hour)
	_, err := s.ForceFlush(context.Background(), newForm())
	assert.ErrorIs(t, err, errDiskFull)
}

func TestOneWriteInFlightPerForm(t *testing.T) {
	rec := &recorder{delay: 5 * time.Millisecond}
	s := newScheduler(t, rec, nil, time.Millisecond)
	form := newForm()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local := form.Clone()
			local.Set("name", i, time.Now())
			if i%2 == 0 {
				_, _ = s.SubmitEdit(local)
				return
			}
			_, _ = s.ForceFlush(context.Background(), local)
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, int32(1), rec.maxInflight.Load())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.writes); i++ {
		assert.Greater(t, rec.writes[i].Sequence, rec.writes[i-1].Sequence)
	}
}

func TestCloseFlushesArmedTimers(t *testing.T) {
	rec := &recorder{}
	s, err := New(Options{Persist: rec.persist, Throttle: time.Hour})
	require.NoError(t, err)
	first, second := newForm(), newForm()
	first.Set("name", "Alice", time.Now())
	second.Set("name", "Bob", time.Now())
	_, _ = s.SubmitEdit(first)
	_, _ = s.SubmitEdit(second)
	assert.Len(t, s.Pending(), 2)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 2, rec.count())

	_, err = s.SubmitEdit(first)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ForceFlush(context.Background(), first)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRejectsFormWithoutID(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(t, rec, nil, time.Hour)
	_, err := s.SubmitEdit(forms.Form{})
	assert.ErrorIs(t, err, forms.ErrInvalidInput)
	_, err = New(Options{})
	assert.Error(t, err)
}

func TestRetryDelayIsBounded(t *testing.T) {
	s, err := New(Options{
		Persist:        func(context.Context, forms.Form) error { return nil },
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, s.retryDelay(1))
	assert.Equal(t, 400*time.Millisecond, s.retryDelay(3))
	assert.Equal(t, time.Second, s.retryDelay(10))
}

func TestFlushWritesQueuedSnapshotByID(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(t, rec, nil, time.Hour)
	form := newForm()
	form.Set("name", "Alice", time.Now())
	seq, err := s.SubmitEdit(form)
	require.NoError(t, err)

	persisted, err := s.Flush(context.Background(), form.ID, seq)
	require.NoError(t, err)
	assert.Equal(t, seq, persisted.Sequence)
	assert.Equal(t, 1, rec.count())

	again, err := s.Flush(context.Background(), form.ID, seq)
	require.NoError(t, err)
	assert.Equal(t, seq, again.Sequence)
	assert.Equal(t, 1, rec.count(), "nothing new queued, nothing written")

	_, err = s.Flush(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, forms.ErrNotFound)
}
