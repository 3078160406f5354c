// Package scheduler coalesces rapid edits to a form into infrequent durable
// writes. Each form ID has at most one write in flight; a global sequence
// counter decides which snapshot wins when a forced flush and a timer fire
// together.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/formsync/internal/forms"
)

var ErrClosed = errors.New("scheduler closed")

// PersistFunc durably writes one full form snapshot.
type PersistFunc func(ctx context.Context, form forms.Form) error

// Observer receives the outcome of every physical write attempt sequence.
// Callbacks run on the flushing goroutine and must not call back into the
// scheduler for the same form.
type Observer interface {
	OnPersisted(form forms.Form)
	OnPersistFailed(form forms.Form, err error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Persist        PersistFunc
	Observer       Observer
	Logger         Logger
	Throttle       time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type entry struct {
	flushMu sync.Mutex

	// guarded by Scheduler.mu
	pending  *forms.Form
	failed   *forms.Form
	lastErr  error
	timer    *time.Timer
	timerGen uint64
	inflight bool

	// guarded by flushMu
	persistedSeq uint64
	persisted    *forms.Form
}

type Scheduler struct {
	persist        PersistFunc
	observer       Observer
	logger         Logger
	throttle       time.Duration
	maxAttempts    int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	mu      sync.Mutex
	seq     uint64
	entries map[string]*entry
	closed  bool
	timers  sync.WaitGroup
}

func New(opts Options) (*Scheduler, error) {
	if opts.Persist == nil {
		return nil, fmt.Errorf("persist func is required")
	}
	throttle := opts.Throttle
	if throttle <= 0 {
		throttle = 500 * time.Millisecond
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Scheduler{
		persist:        opts.Persist,
		observer:       opts.Observer,
		logger:         opts.Logger,
		throttle:       throttle,
		maxAttempts:    maxAttempts,
		retryBaseDelay: baseDelay,
		retryMaxDelay:  maxDelay,
		entries:        map[string]*entry{},
	}, nil
}

// AdvanceSequence moves the sequence counter past seq, so snapshots written
// after a restart sort after those already on disk.
func (s *Scheduler) AdvanceSequence(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.seq {
		s.seq = seq
	}
}

// SubmitEdit snapshots form, stamps it with the next sequence and arms the
// throttle timer for its ID if none is armed. It never blocks on I/O.
func (s *Scheduler) SubmitEdit(form forms.Form) (uint64, error) {
	if form.ID == "" {
		return 0, forms.ErrInvalidInput
	}
	snapshot := form.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.seq++
	snapshot.Sequence = s.seq
	e := s.entryLocked(snapshot.ID)
	e.pending = &snapshot
	if e.timer == nil {
		id := snapshot.ID
		e.timerGen++
		gen := e.timerGen
		s.timers.Add(1)
		e.timer = time.AfterFunc(s.throttle, func() {
			defer s.timers.Done()
			s.fire(id, gen)
		})
	}
	return snapshot.Sequence, nil
}

// ForceFlush cancels any armed timer for form.ID and synchronously persists
// the given snapshot. The returned form is what is now on disk; when a
// concurrent timer already wrote a newer sequence, that write is returned
// instead of writing again.
func (s *Scheduler) ForceFlush(ctx context.Context, form forms.Form) (forms.Form, error) {
	if form.ID == "" {
		return forms.Form{}, forms.ErrInvalidInput
	}
	snapshot := form.Clone()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return forms.Form{}, ErrClosed
	}
	s.seq++
	snapshot.Sequence = s.seq
	e := s.entryLocked(snapshot.ID)
	s.stopTimerLocked(e)
	e.pending = &snapshot
	s.mu.Unlock()

	return s.flushEntry(ctx, e, snapshot.Sequence)
}

// Flush cancels the timer for id and writes its queued snapshot now. seq is
// the sequence the caller needs on disk; a failure to write it is returned
// even when another goroutine performed the attempt.
func (s *Scheduler) Flush(ctx context.Context, id string, seq uint64) (forms.Form, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return forms.Form{}, forms.ErrNotFound
	}
	s.stopTimerLocked(e)
	s.mu.Unlock()
	return s.flushEntry(ctx, e, seq)
}

// Pending lists form IDs with an armed timer, a queued snapshot or a write in
// flight.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, e := range s.entries {
		if e.timer != nil || e.pending != nil || e.inflight {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Unsynced lists form IDs whose last write exhausted its retries and has not
// been superseded by a successful one.
func (s *Scheduler) Unsynced() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, e := range s.entries {
		if e.failed != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RetryUnsynced writes every snapshot that previously exhausted its retries.
// Forms edited since then are skipped; their next flush supersedes it.
func (s *Scheduler) RetryUnsynced(ctx context.Context) error {
	s.mu.Lock()
	targets := make([]*entry, 0)
	for _, e := range s.entries {
		if e.failed != nil && e.pending == nil && e.timer == nil {
			e.pending = e.failed
			targets = append(targets, e)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range targets {
		if _, err := s.flushEntry(ctx, e, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting edits and flushes every armed timer, then waits for
// timer-driven writes already running.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	targets := make([]*entry, 0)
	for _, e := range s.entries {
		if e.timer != nil {
			s.stopTimerLocked(e)
		}
		if e.pending != nil {
			targets = append(targets, e)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range targets {
		if _, err := s.flushEntry(ctx, e, 0); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.timers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (s *Scheduler) entryLocked(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

func (s *Scheduler) stopTimerLocked(e *entry) {
	if e.timer == nil {
		return
	}
	if e.timer.Stop() {
		s.timers.Done()
	}
	e.timer = nil
}

// fire runs when a throttle timer expires. A timer re-armed after this one
// was stopped keeps its slot.
func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok && e.timerGen == gen {
		e.timer = nil
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if _, err := s.flushEntry(context.Background(), e, 0); err != nil {
		s.logf("scheduled flush of form %s failed: %v", id, err)
	}
}

// flushEntry writes the entry's queued snapshot under the per-ID lock. want
// is the sequence the caller needs on disk; zero means whatever is queued.
func (s *Scheduler) flushEntry(ctx context.Context, e *entry, want uint64) (forms.Form, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	s.mu.Lock()
	snapshot := e.pending
	e.pending = nil
	if snapshot != nil {
		e.inflight = true
	}
	s.mu.Unlock()

	if snapshot == nil || snapshot.Sequence <= e.persistedSeq {
		s.mu.Lock()
		e.inflight = false
		failed, lastErr := e.failed, e.lastErr
		s.mu.Unlock()
		if want == 0 {
			return forms.Form{}, nil
		}
		if e.persisted != nil && e.persistedSeq >= want {
			return e.persisted.Clone(), nil
		}
		if failed != nil && failed.Sequence >= want {
			return failed.Clone(), fmt.Errorf("form %s: sequence %d was not persisted: %w", failed.ID, failed.Sequence, lastErr)
		}
		return forms.Form{}, nil
	}

	err := s.persistWithRetry(ctx, *snapshot)

	s.mu.Lock()
	e.inflight = false
	if err != nil {
		e.failed, e.lastErr = snapshot, err
	} else {
		e.failed, e.lastErr = nil, nil
	}
	s.mu.Unlock()

	if err != nil {
		s.logf("form %s: persisting sequence %d failed: %v", snapshot.ID, snapshot.Sequence, err)
		if s.observer != nil {
			s.observer.OnPersistFailed(snapshot.Clone(), err)
		}
		return snapshot.Clone(), err
	}
	e.persistedSeq = snapshot.Sequence
	e.persisted = snapshot
	if s.observer != nil {
		s.observer.OnPersisted(snapshot.Clone())
	}
	return snapshot.Clone(), nil
}

func (s *Scheduler) persistWithRetry(ctx context.Context, form forms.Form) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.persist(ctx, form.Clone())
		if err == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}
		if waitErr := waitWithContext(ctx, s.retryDelay(attempt)); waitErr != nil {
			return errors.Join(err, waitErr)
		}
	}
	return err
}

func (s *Scheduler) retryDelay(attempt int) time.Duration {
	delay := s.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.retryMaxDelay {
			return s.retryMaxDelay
		}
	}
	return delay
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
