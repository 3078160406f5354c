// Package appstate is the process-wide state container shared by the
// reconciler (the only producer of registry patches) and read-only
// consumers such as the HTTP API and its websocket stream.
package appstate

import (
	"sync"
	"time"

	"github.com/agentworkforce/formsync/internal/forms"
)

type Identity struct {
	Subject string   `json:"subject,omitempty"`
	Name    string   `json:"name,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

type SyncStatus struct {
	LastSyncAt        *time.Time `json:"lastSyncAt,omitempty"`
	Pending           []string   `json:"pending"`
	Unsynced          []string   `json:"unsynced"`
	PendingSubmission []string   `json:"pendingSubmission"`
	LastError         string     `json:"lastError,omitempty"`
	Conflicts         int        `json:"conflicts"`
}

func (s SyncStatus) clone() SyncStatus {
	out := s
	if s.LastSyncAt != nil {
		at := *s.LastSyncAt
		out.LastSyncAt = &at
	}
	out.Pending = append([]string{}, s.Pending...)
	out.Unsynced = append([]string{}, s.Unsynced...)
	out.PendingSubmission = append([]string{}, s.PendingSubmission...)
	return out
}

type State struct {
	User   Identity       `json:"user"`
	Sync   SyncStatus     `json:"sync"`
	Loaded bool           `json:"loaded"`
	Forms  forms.Registry `json:"forms"`
}

// Patch is a partial State. Nil fields are left untouched by Dispatch.
type Patch struct {
	User   *Identity
	Sync   *SyncStatus
	Loaded *bool
	Forms  *forms.Registry
}

type subscriber struct {
	id uint64
	fn func(State)
}

type Distributor struct {
	dispatchMu sync.Mutex

	mu          sync.RWMutex
	state       State
	nextID      uint64
	subscribers []subscriber
}

// New returns a distributor holding empty placeholders.
func New() *Distributor {
	return &Distributor{
		state: State{
			Sync:  SyncStatus{}.clone(),
			Forms: forms.NewRegistry(),
		},
	}
}

func (d *Distributor) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Dispatch shallow-merges patch into the held state and then calls every
// subscriber, in subscription order, before returning. Subscribers must not
// call Dispatch themselves.
func (d *Distributor) Dispatch(patch Patch) State {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.mu.Lock()
	next := d.state
	if patch.User != nil {
		user := *patch.User
		user.Scopes = append([]string(nil), user.Scopes...)
		next.User = user
	}
	if patch.Sync != nil {
		next.Sync = patch.Sync.clone()
	}
	if patch.Loaded != nil {
		next.Loaded = *patch.Loaded
	}
	if patch.Forms != nil {
		next.Forms = *patch.Forms
	}
	d.state = next
	subs := append([]subscriber(nil), d.subscribers...)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.fn(next)
	}
	return next
}

// Subscribe registers fn for future dispatches. The returned func removes it.
func (d *Distributor) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subscribers = append(d.subscribers, subscriber{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, sub := range d.subscribers {
				if sub.id == id {
					d.subscribers = append(d.subscribers[:i:i], d.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

func Bool(v bool) *bool {
	return &v
}
