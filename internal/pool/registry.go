package pool

import (
	"sort"
	"time"
)

// WorkerInfo describes one live worker process.
type WorkerInfo struct {
	PID       int
	UUID      string
	StartedAt time.Time
}

// Registry is the supervisor's single source of truth for live workers plus
// the subset currently mid-unit-of-work. It is mutated only from the
// controller loop, so it carries no locks; concurrent readers get snapshots
// published through the poolstate store instead.
type Registry struct {
	workers map[int]WorkerInfo
	busy    map[int]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[int]WorkerInfo),
		busy:    make(map[int]struct{}),
	}
}

// Add records a newly spawned worker.
func (r *Registry) Add(w WorkerInfo) {
	r.workers[w.PID] = w
}

// Remove deletes a worker from the live set and the busy set together, so
// the busy subset never outlives the worker.
func (r *Registry) Remove(pid int) {
	delete(r.workers, pid)
	delete(r.busy, pid)
}

// Has reports whether pid is a known live worker.
func (r *Registry) Has(pid int) bool {
	_, ok := r.workers[pid]
	return ok
}

// Info returns the record for pid.
func (r *Registry) Info(pid int) (WorkerInfo, bool) {
	w, ok := r.workers[pid]
	return w, ok
}

// Len is the number of live workers.
func (r *Registry) Len() int {
	return len(r.workers)
}

// MarkBusy flags a worker as processing a unit of work. Unknown pids are
// ignored; the signal may have raced a reap.
func (r *Registry) MarkBusy(pid int) {
	if _, ok := r.workers[pid]; ok {
		r.busy[pid] = struct{}{}
	}
}

// MarkIdle clears the busy flag. Absent pids are ignored.
func (r *Registry) MarkIdle(pid int) {
	delete(r.busy, pid)
}

// BusyCount is the number of workers currently marked busy.
func (r *Registry) BusyCount() int {
	return len(r.busy)
}

// IsBusy reports whether pid is marked busy.
func (r *Registry) IsBusy(pid int) bool {
	_, ok := r.busy[pid]
	return ok
}

// Reconcile drops busy flags for workers no longer in the live set, covering
// the case where a busy worker was reaped before its released signal was
// drained. After Reconcile the busy set is always a subset of the live set.
func (r *Registry) Reconcile() {
	for pid := range r.busy {
		if _, ok := r.workers[pid]; !ok {
			delete(r.busy, pid)
		}
	}
}

// PIDs returns all live worker pids in ascending order.
func (r *Registry) PIDs() []int {
	pids := make([]int, 0, len(r.workers))
	for pid := range r.workers {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// IdleWorkers returns the pids of workers not marked busy, in ascending
// order so victim selection during scale-down is deterministic.
func (r *Registry) IdleWorkers() []int {
	var pids []int
	for pid := range r.workers {
		if _, busy := r.busy[pid]; !busy {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}
