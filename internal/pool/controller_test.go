package pool

import (
	"context"
	"testing"
	"time"

	"github.com/gaspardpetit/prefork/internal/busysig"
)

type reapEvent struct {
	pid  int
	exit ExitStatus
}

type fakeProcs struct {
	exits  []reapEvent
	killed []int
}

func (f *fakeProcs) ReapOne() (int, ExitStatus, bool) {
	if len(f.exits) == 0 {
		return 0, ExitStatus{}, false
	}
	ev := f.exits[0]
	f.exits = f.exits[1:]
	return ev.pid, ev.exit, true
}

func (f *fakeProcs) Kill(pid int) error {
	f.killed = append(f.killed, pid)
	return nil
}

type recordNotifier struct {
	upFrom, upTo, upBusy int
	downFrom, downTo     int
	victims              []int
	replenished          bool
	exited               []ExitStatus
}

func (n *recordNotifier) ScaleUp(from, to, busy int) {
	n.upFrom, n.upTo, n.upBusy = from, to, busy
}

func (n *recordNotifier) ScaleDown(from, to int, victims []int) {
	n.downFrom, n.downTo = from, to
	n.victims = append([]int(nil), victims...)
}

func (n *recordNotifier) Replenish(_, _ int) { n.replenished = true }

func (n *recordNotifier) WorkerExited(_ WorkerInfo, exit ExitStatus) {
	n.exited = append(n.exited, exit)
}

type fixture struct {
	ctrl   *Controller
	reg    *Registry
	ch     *busysig.Channel
	procs  *fakeProcs
	notify *recordNotifier
	sender *busysig.Sender
	now    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ch, err := busysig.New()
	if err != nil {
		t.Fatalf("busysig.New: %v", err)
	}
	t.Cleanup(ch.Destroy)

	f := &fixture{
		reg:    NewRegistry(),
		ch:     ch,
		procs:  &fakeProcs{},
		notify: &recordNotifier{},
		sender: busysig.NewSender(ch.WorkerFile()),
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.ctrl = NewController(opts, f.reg, ch, f.procs, f.notify)
	f.ctrl.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addWorkers(pids ...int) {
	for _, pid := range pids {
		f.reg.Add(WorkerInfo{PID: pid})
	}
}

func (f *fixture) acquire(pids ...int) {
	for _, pid := range pids {
		f.sender.Send(busysig.Acquired, int32(pid))
	}
}

func TestScaleUp(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 8, MaxWorkers: 32, StepSize: 4, Cooldown: 5 * time.Second})
	f.addWorkers(1, 2, 3, 4, 5, 6, 7, 8)
	f.acquire(1, 2, 3, 4, 5, 6, 7, 8)

	d, ok := f.ctrl.tick()
	if !ok {
		t.Fatalf("tick produced no decision; want scale up")
	}
	if d.Kind != DecisionAdjust || d.Target != 12 {
		t.Fatalf("decision = %+v; want adjust to 12", d)
	}
	if f.ctrl.Target() != 12 {
		t.Fatalf("target = %d; want 12", f.ctrl.Target())
	}
	if f.notify.upFrom != 8 || f.notify.upTo != 12 || f.notify.upBusy != 8 {
		t.Fatalf("scale-up notification = %d→%d busy %d; want 8→12 busy 8", f.notify.upFrom, f.notify.upTo, f.notify.upBusy)
	}
}

func TestScaleUpClampedToMax(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 8, MaxWorkers: 10, StepSize: 4})
	f.addWorkers(1, 2, 3, 4, 5, 6, 7, 8)
	f.acquire(1, 2, 3, 4, 5, 6, 7, 8)

	d, ok := f.ctrl.tick()
	if !ok || d.Target != 10 {
		t.Fatalf("decision = %+v ok=%v; want adjust to 10", d, ok)
	}

	// At the ceiling nothing more fires, even with everything busy.
	f.addWorkers(9, 10)
	f.acquire(9, 10)
	if d, ok := f.ctrl.tick(); ok {
		t.Fatalf("tick at max produced %+v; want none", d)
	}
	if f.ctrl.Target() != 10 {
		t.Fatalf("target = %d; want 10", f.ctrl.Target())
	}
}

func TestScaleDown(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 8, MaxWorkers: 32, StepSize: 4, Cooldown: 5 * time.Second})
	f.ctrl.SetTarget(12)
	f.addWorkers(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)
	f.acquire(3, 7)

	if d, ok := f.ctrl.tick(); ok {
		t.Fatalf("scale down returned decision %+v; want none", d)
	}
	if f.ctrl.Target() != 8 {
		t.Fatalf("target = %d; want 8", f.ctrl.Target())
	}
	if len(f.procs.killed) != 4 {
		t.Fatalf("killed %d workers; want 4", len(f.procs.killed))
	}
	for _, pid := range f.procs.killed {
		if pid == 3 || pid == 7 {
			t.Fatalf("killed busy worker %d", pid)
		}
		if f.reg.Has(pid) {
			t.Fatalf("victim %d still in registry", pid)
		}
	}
	if f.reg.Len() != 8 {
		t.Fatalf("live = %d; want 8", f.reg.Len())
	}
	if len(f.notify.victims) != 4 || f.notify.downFrom != 12 || f.notify.downTo != 8 {
		t.Fatalf("scale-down notification = %d→%d victims %v", f.notify.downFrom, f.notify.downTo, f.notify.victims)
	}
}

func TestScaleDownShortOnIdleVictims(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 8, MaxWorkers: 32, StepSize: 4})
	f.ctrl.SetTarget(12)
	f.addWorkers(1, 2, 3, 4, 5, 6, 7, 8, 9)
	f.acquire(1, 2, 3, 4, 5, 6, 7)

	f.ctrl.tick()
	if len(f.procs.killed) != 2 {
		t.Fatalf("killed %d workers; want the 2 available idle ones", len(f.procs.killed))
	}
	if f.ctrl.Target() != 8 {
		t.Fatalf("target = %d; want 8", f.ctrl.Target())
	}
}

func TestScaleDownRespectsCooldown(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 8, MaxWorkers: 32, StepSize: 4, Cooldown: 5 * time.Second})
	f.ctrl.SetTarget(12)
	f.ctrl.lastAdjust = f.now
	f.addWorkers(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)

	f.ctrl.tick()
	if len(f.procs.killed) != 0 {
		t.Fatalf("scale down fired inside the cooldown window")
	}
	if f.ctrl.Target() != 12 {
		t.Fatalf("target = %d; want 12", f.ctrl.Target())
	}

	f.now = f.now.Add(5 * time.Second)
	f.ctrl.tick()
	if len(f.procs.killed) != 4 {
		t.Fatalf("killed %d workers after cooldown; want 4", len(f.procs.killed))
	}
}

func TestScaleUpNeverDelayedByCooldown(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 2, MaxWorkers: 32, StepSize: 2, Cooldown: time.Hour})
	f.ctrl.lastAdjust = f.now
	f.addWorkers(1, 2)
	f.acquire(1, 2)

	d, ok := f.ctrl.tick()
	if !ok || d.Kind != DecisionAdjust || d.Target != 4 {
		t.Fatalf("decision = %+v ok=%v; want adjust to 4 despite cooldown", d, ok)
	}
}

func TestScaleUpWinsOverScaleDownSameTick(t *testing.T) {
	// Pool exactly at target with zero idle workers must grow, not shrink.
	f := newFixture(t, Options{MinWorkers: 4, MaxWorkers: 8, StepSize: 2})
	f.addWorkers(1, 2, 3, 4)
	f.acquire(1, 2, 3, 4)

	d, ok := f.ctrl.tick()
	if !ok || d.Kind != DecisionAdjust || d.Target != 6 {
		t.Fatalf("decision = %+v ok=%v; want scale up to 6", d, ok)
	}
	if len(f.procs.killed) != 0 {
		t.Fatalf("scale down fired in the same tick as scale up")
	}
}

func TestReap(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 2, MaxWorkers: 8, StepSize: 1})
	f.addWorkers(10, 11)
	f.acquire(10)
	f.ctrl.tick() // drain so 10 is marked busy
	f.procs.exits = []reapEvent{{pid: 10, exit: ExitStatus{Code: 99, Retired: true}}}

	d, ok := f.ctrl.tick()
	if !ok || d.Kind != DecisionReaped || d.WorkerID != 10 {
		t.Fatalf("decision = %+v ok=%v; want reap of 10", d, ok)
	}
	if !d.Exit.Retired {
		t.Fatalf("exit not classified as retirement")
	}
	if f.reg.Has(10) || f.reg.IsBusy(10) {
		t.Fatalf("reaped worker still tracked")
	}
	if len(f.notify.exited) != 1 || !f.notify.exited[0].Retired {
		t.Fatalf("exit notification = %+v", f.notify.exited)
	}
}

func TestReplenish(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 2, MaxWorkers: 8, StepSize: 5, Cooldown: 5 * time.Second})
	f.ctrl.SetTarget(8)
	f.addWorkers(1, 2, 3, 4, 5, 6)
	f.acquire(1, 2, 3)
	before := f.ctrl.lastAdjust

	d, ok := f.ctrl.tick()
	if !ok || d.Kind != DecisionAdjust || d.Target != 8 {
		t.Fatalf("decision = %+v ok=%v; want replenish to 8", d, ok)
	}
	if !f.notify.replenished {
		t.Fatalf("replenish was not notified")
	}
	if f.ctrl.lastAdjust != before {
		t.Fatalf("replenish touched the cooldown clock")
	}
}

func TestReplenishAtMinTargetAfterCrash(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 2, MaxWorkers: 8, StepSize: 2, Cooldown: 5 * time.Second})
	f.addWorkers(1, 2)
	f.procs.exits = []reapEvent{{pid: 1, exit: ExitStatus{Code: 1}}}

	d, ok := f.ctrl.tick()
	if !ok || d.Kind != DecisionReaped || d.WorkerID != 1 {
		t.Fatalf("decision = %+v ok=%v; want reap of 1", d, ok)
	}

	// Nobody is busy and the cooldown elapsed long ago. The pool must still
	// be brought back up to its minimum target, not shrink below it.
	d, ok = f.ctrl.tick()
	if !ok || d.Kind != DecisionAdjust || d.Target != 2 {
		t.Fatalf("decision = %+v ok=%v; want replenish to 2", d, ok)
	}
	if !f.notify.replenished {
		t.Fatalf("replenish was not notified")
	}
	if len(f.procs.killed) != 0 {
		t.Fatalf("killed %v at the target floor", f.procs.killed)
	}
	if f.ctrl.Target() != 2 {
		t.Fatalf("target = %d; want 2", f.ctrl.Target())
	}
}

func TestStaleSignalsIgnored(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 1, MaxWorkers: 8, StepSize: 1, Cooldown: time.Hour})
	f.ctrl.SetTarget(3)
	f.ctrl.lastAdjust = f.now
	f.addWorkers(1, 2)

	// Signal from a pid that was never (or is no longer) registered.
	f.acquire(999)
	f.sender.Send(busysig.Released, 888)

	f.ctrl.tick()
	if got := f.reg.BusyCount(); got != 0 {
		t.Fatalf("busy = %d after stale signals; want 0", got)
	}
}

func TestReconcileDropsReapedBusyWorker(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 1, MaxWorkers: 8, StepSize: 1})
	f.ctrl.SetTarget(3)
	f.addWorkers(1, 2, 3)
	f.acquire(2)
	f.ctrl.tick()
	if !f.reg.IsBusy(2) {
		t.Fatalf("worker 2 not marked busy")
	}

	// Worker 2 dies before its released signal is ever drained. It must not
	// be counted busy forever.
	f.procs.exits = []reapEvent{{pid: 2, exit: ExitStatus{Code: 1}}}
	f.ctrl.tick()
	f.ctrl.tick()
	if f.reg.BusyCount() != 0 {
		t.Fatalf("busy = %d after reap; want 0", f.reg.BusyCount())
	}
	if f.reg.IsBusy(2) {
		t.Fatalf("reaped worker 2 still marked busy")
	}
}

func TestSetTargetClamped(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 4, MaxWorkers: 10, StepSize: 1})
	f.ctrl.SetTarget(100)
	if f.ctrl.Target() != 10 {
		t.Fatalf("target = %d; want clamp to 10", f.ctrl.Target())
	}
	f.ctrl.SetTarget(1)
	if f.ctrl.Target() != 4 {
		t.Fatalf("target = %d; want clamp to 4", f.ctrl.Target())
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 1, MaxWorkers: 2, StepSize: 1, PollInterval: time.Millisecond})
	f.ctrl.SetTarget(1)
	f.addWorkers(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.ctrl.Wait(ctx); err == nil {
		t.Fatalf("Wait returned nil error on canceled context")
	}
}

func TestWaitDeliversDecision(t *testing.T) {
	f := newFixture(t, Options{MinWorkers: 1, MaxWorkers: 4, StepSize: 1, PollInterval: time.Millisecond})
	f.addWorkers(1)
	f.acquire(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := f.ctrl.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d.Kind != DecisionAdjust || d.Target != 2 {
		t.Fatalf("decision = %+v; want adjust to 2", d)
	}
}
