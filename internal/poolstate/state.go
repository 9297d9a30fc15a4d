// Package poolstate publishes the supervisor's pool snapshot for the status
// surfaces and optionally persists it, so a restarted supervisor can resume
// its previous pool target.
package poolstate

import (
	"sync/atomic"
	"time"
)

// Snapshot is the externally visible pool state. All fields are stored
// together so readers always observe a consistent view.
type Snapshot struct {
	Status    string    `json:"status"`
	Target    int       `json:"target"`
	Live      int       `json:"live"`
	Busy      int       `json:"busy"`
	LastScale time.Time `json:"last_scale,omitzero"`
}

// Store defines how the snapshot is persisted. Implementations may keep it
// in memory or in an external service such as Redis.
type Store interface {
	Load() Snapshot
	Store(Snapshot)
}

// active is the currently configured Store. It defaults to an in-memory
// implementation but can be swapped for other strategies.
var active Store = NewMemoryStore()

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s != nil {
		active = s
	}
}

// memoryStore implements Store using an atomic.Value. It is the default
// strategy and is safe for concurrent use within a single process.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "starting".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(Snapshot{Status: "starting"})
	return ms
}

func (m *memoryStore) Load() Snapshot {
	if st, ok := m.v.Load().(Snapshot); ok {
		return st
	}
	return Snapshot{Status: "unknown"}
}

func (m *memoryStore) Store(s Snapshot) {
	m.v.Store(s)
}

// Get returns the current snapshot.
func Get() Snapshot {
	return active.Load()
}

// SetStatus updates the pool status string.
func SetStatus(status string) {
	st := active.Load()
	st.Status = status
	active.Store(st)
}

// SetPool updates the scaling counters published after each controller
// iteration.
func SetPool(target, live, busy int) {
	st := active.Load()
	st.Target = target
	st.Live = live
	st.Busy = busy
	active.Store(st)
}

// SetLastScale records the time of the most recent pool-size adjustment.
func SetLastScale(t time.Time) {
	st := active.Load()
	st.LastScale = t
	active.Store(st)
}
