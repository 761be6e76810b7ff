// Package registry tracks in-flight work by identity so that at most one
// unit of work runs per key. Duplicate claims are rejected, never queued.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAlreadyInProgress is returned by Claim when the key is held.
	ErrAlreadyInProgress = errors.New("already in progress")
	// ErrNotFound is returned when no work is registered under a key.
	ErrNotFound = errors.New("not found")
)

// ErrCancelled is the cause attached to a lease context cancelled through
// Registry.Cancel or Registry.CancelAll.
var ErrCancelled = errors.New("cancelled")

// Key identifies a unit of work.
type Key struct {
	Namespace string
	ID        string
	Label     string
}

func (k Key) String() string {
	return k.Namespace + ":" + k.ID + "::" + k.Label
}

// State is a point-in-time view of a registered unit of work.
type State struct {
	Key        Key
	StartedAt  time.Time
	FileIndex  int
	TotalFiles int
	Downloaded int64
	Total      *int64
	Cancelled  bool
}

type entry struct {
	token  uint64
	cancel context.CancelCauseFunc
	state  State
}

// Registry is a mutex-guarded map of key to lease. The lock is held only
// around map access, never while work runs.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
	next    uint64
	now     func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
}

// Lease is the holder's handle on a claimed key.
type Lease struct {
	reg   *Registry
	key   Key
	token uint64
	once  sync.Once
}

// Claim registers cancel under key. It fails with ErrAlreadyInProgress if the
// key is already held, leaving the existing holder untouched.
func (r *Registry) Claim(key Key, totalFiles int, cancel context.CancelCauseFunc) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return nil, ErrAlreadyInProgress
	}

	r.next++
	r.entries[key] = &entry{
		token:  r.next,
		cancel: cancel,
		state: State{
			Key:        key,
			StartedAt:  r.now(),
			TotalFiles: totalFiles,
		},
	}

	return &Lease{reg: r, key: key, token: r.next}, nil
}

// Key returns the claimed key.
func (l *Lease) Key() Key {
	return l.key
}

// Report records progress for the current member file.
func (l *Lease) Report(fileIndex int, downloaded int64, total *int64) {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()

	e, ok := l.reg.entries[l.key]
	if !ok || e.token != l.token {
		return
	}

	e.state.FileIndex = fileIndex
	e.state.Downloaded = downloaded
	e.state.Total = total
}

// Release removes the key. Only the first call has an effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.reg.mu.Lock()
		defer l.reg.mu.Unlock()

		if e, ok := l.reg.entries[l.key]; ok && e.token == l.token {
			delete(l.reg.entries, l.key)
		}
	})
}

// Cancel invokes the cancel handle registered under key. The entry stays
// until its holder observes the cancellation and releases the lease.
func (r *Registry) Cancel(key Key) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		e.state.Cancelled = true
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	e.cancel(ErrCancelled)

	return nil
}

// CancelAll cancels every registered unit of work.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.entries))
	for _, e := range r.entries {
		e.state.Cancelled = true
		cancels = append(cancels, e.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrCancelled)
	}

	return len(cancels)
}

// Get returns the state registered under key.
func (r *Registry) Get(key Key) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return State{}, ErrNotFound
	}

	return e.state, nil
}

// List returns a snapshot of all entries in namespace, oldest first. An
// empty namespace matches every entry.
func (r *Registry) List(namespace string) []State {
	r.mu.Lock()
	states := make([]State, 0, len(r.entries))
	for k, e := range r.entries {
		if namespace != "" && k.Namespace != namespace {
			continue
		}

		states = append(states, e.state)
	}
	r.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].Key.String() < states[j].Key.String()
		}

		return states[i].StartedAt.Before(states[j].StartedAt)
	})

	return states
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
