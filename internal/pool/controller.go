package pool

import (
	"context"
	"time"

	"github.com/gaspardpetit/prefork/internal/busysig"
	"github.com/gaspardpetit/prefork/internal/metrics"
	"github.com/gaspardpetit/prefork/internal/poolstate"
)

// ExitStatus classifies a reaped worker exit. Retired is set when the worker
// exited voluntarily after reaching its request limit, so the exit can be
// reported as policy-driven rather than a failure.
type ExitStatus struct {
	Code     int
	Signaled bool
	Retired  bool
}

// DecisionKind tells the caller why Wait returned.
type DecisionKind int

const (
	// DecisionReaped reports one exited worker; the caller may want to act
	// before the loop is re-entered.
	DecisionReaped DecisionKind = iota
	// DecisionAdjust asks the caller to bring the live worker count up to
	// Target by forking.
	DecisionAdjust
)

// Decision is the controller's hand-off to the process-spawning collaborator.
type Decision struct {
	Kind     DecisionKind
	WorkerID int
	Exit     ExitStatus
	Target   int
}

// ProcessControl is the slice of the base supervisor the controller drives:
// a non-blocking reap probe and a hard kill.
type ProcessControl interface {
	ReapOne() (pid int, exit ExitStatus, ok bool)
	Kill(pid int) error
}

// Notifier receives scaling and lifecycle notifications. Implementations
// must not block; they run on the controller loop.
type Notifier interface {
	ScaleUp(from, to, busy int)
	ScaleDown(from, to int, victims []int)
	Replenish(live, target int)
	WorkerExited(w WorkerInfo, exit ExitStatus)
}

type nopNotifier struct{}

func (nopNotifier) ScaleUp(int, int, int)               {}
func (nopNotifier) ScaleDown(int, int, []int)           {}
func (nopNotifier) Replenish(int, int)                  {}
func (nopNotifier) WorkerExited(WorkerInfo, ExitStatus) {}

// Options bound the scaling policy. MinWorkers doubles as the busy threshold
// below which the pool shrinks; that coupling is deliberate and load-bearing.
type Options struct {
	MinWorkers   int
	MaxWorkers   int
	StepSize     int
	Cooldown     time.Duration
	PollInterval time.Duration
}

// Controller runs the autoscaling poll loop. All of its state, including the
// registry it is handed, is owned by the single goroutine calling Wait.
type Controller struct {
	opts   Options
	reg    *Registry
	ch     *busysig.Channel
	procs  ProcessControl
	notify Notifier

	target     int
	lastAdjust time.Time

	now func() time.Time
}

// NewController wires the controller to its collaborators. initialTarget is
// clamped into [MinWorkers, MaxWorkers].
func NewController(opts Options, reg *Registry, ch *busysig.Channel, procs ProcessControl, notify Notifier) *Controller {
	if notify == nil {
		notify = nopNotifier{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	c := &Controller{
		opts:   opts,
		reg:    reg,
		ch:     ch,
		procs:  procs,
		notify: notify,
		target: opts.MinWorkers,
		now:    time.Now,
	}
	return c
}

// Target returns the current desired worker count.
func (c *Controller) Target() int {
	return c.target
}

// SetTarget overrides the desired worker count, clamped to the configured
// bounds. Used to restore a persisted target at startup.
func (c *Controller) SetTarget(n int) {
	c.target = clamp(n, c.opts.MinWorkers, c.opts.MaxWorkers)
}

// Wait runs poll iterations until one produces a decision the caller must
// act on (a reaped worker or a spawn request), sleeping the poll interval
// between idle iterations.
func (c *Controller) Wait(ctx context.Context) (Decision, error) {
	for {
		if d, ok := c.tick(); ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// tick performs one reap/drain/reconcile/decide iteration. It reports a
// decision when the caller has to act before the loop continues.
func (c *Controller) tick() (Decision, bool) {
	defer c.publish()

	// Reap: return the first exited worker so the caller can act on it.
	if pid, exit, ok := c.procs.ReapOne(); ok {
		w, _ := c.reg.Info(pid)
		c.reg.Remove(pid)
		c.notify.WorkerExited(w, exit)
		metrics.RecordWorkerExit(exitReason(exit))
		return Decision{Kind: DecisionReaped, WorkerID: pid, Exit: exit}, true
	}

	// Drain queued busy/idle transitions. Signals for unknown pids lost a
	// race against reap and are ignored.
	evs := c.ch.DrainAll()
	for _, ev := range evs {
		switch ev.Code {
		case busysig.Acquired:
			c.reg.MarkBusy(int(ev.WorkerID))
		case busysig.Released:
			c.reg.MarkIdle(int(ev.WorkerID))
		}
	}
	metrics.RecordSignalsDrained(len(evs))
	c.reg.Reconcile()
	used := c.reg.BusyCount()

	// Decide. Strict priority: grow beats shrink in the same tick. Shrink
	// only applies while the target sits above the floor; at the floor the
	// replenish case must stay reachable so crashed workers are replaced.
	switch {
	case used >= c.target:
		if next := min(c.target+c.opts.StepSize, c.opts.MaxWorkers); next > c.target {
			from := c.target
			c.target = next
			c.lastAdjust = c.now()
			poolstate.SetLastScale(c.lastAdjust)
			c.notify.ScaleUp(from, next, used)
			metrics.RecordScaleEvent("up")
			return Decision{Kind: DecisionAdjust, Target: next}, true
		}
	case used < c.opts.MinWorkers && c.target > c.opts.MinWorkers && c.now().Sub(c.lastAdjust) >= c.opts.Cooldown:
		next := max(c.target-c.opts.StepSize, c.opts.MinWorkers)
		from := c.target
		victims := c.reg.IdleWorkers()
		if n := from - next; len(victims) > n {
			victims = victims[:n]
		}
		c.notify.ScaleDown(from, next, victims)
		for _, pid := range victims {
			// A kill failure means the worker is already gone; the
			// next reap clears it either way.
			_ = c.procs.Kill(pid)
			c.reg.Remove(pid)
		}
		c.target = next
		c.lastAdjust = c.now()
		poolstate.SetLastScale(c.lastAdjust)
		metrics.RecordScaleEvent("down")
	case c.reg.Len() < c.target:
		c.notify.Replenish(c.reg.Len(), c.target)
		return Decision{Kind: DecisionAdjust, Target: c.target}, true
	}
	return Decision{}, false
}

// publish pushes the post-iteration pool snapshot for the status surfaces.
func (c *Controller) publish() {
	live := c.reg.Len()
	busy := c.reg.BusyCount()
	poolstate.SetPool(c.target, live, busy)
	metrics.SetPoolGauges(c.target, live, busy)
}

func exitReason(e ExitStatus) string {
	switch {
	case e.Retired:
		return "retired"
	case e.Signaled:
		return "killed"
	default:
		return "exited"
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
