// Package worker provides the lifecycle hooks a worker process calls around
// each unit of work, and the self-retirement policy applied after a
// configurable number of served requests.
package worker

import (
	"os"

	"github.com/gaspardpetit/prefork/internal/busysig"
)

// RetiredExitCode is the status a worker exits with after reaching its
// request limit, so the supervisor can tell voluntary retirement apart from
// a crash.
const RetiredExitCode = 99

// RetireMode selects how a worker leaves once it has served its maximum
// number of requests.
type RetireMode int

const (
	// CooperativeRetire sets a flag and lets the dispatch loop finish its
	// current call stack; the loop must poll ShouldContinue before each
	// unit of work. This is the mode that allows cleanup.
	CooperativeRetire RetireMode = iota
	// ImmediateExit terminates the process inside EndUnit, with no
	// cleanup. Use it only when the dispatch loop never polls
	// ShouldContinue.
	ImmediateExit
)

// Hooks is the per-process handle a worker's dispatch loop calls around each
// unit of work. A worker serves requests one at a time, so Hooks needs no
// synchronization.
type Hooks struct {
	sender      *busysig.Sender
	id          int32
	maxRequests int
	mode        RetireMode

	handled int
	retire  bool

	exit func(int)
}

// NewHooks binds hooks for the worker identified by pid. maxRequests <= 0
// means the worker never self-retires.
func NewHooks(s *busysig.Sender, pid int, maxRequests int, mode RetireMode) *Hooks {
	return &Hooks{
		sender:      s,
		id:          int32(pid),
		maxRequests: maxRequests,
		mode:        mode,
		exit:        os.Exit,
	}
}

// BeginUnit reports the worker busy and counts the request. Best effort;
// there is no failure path.
func (h *Hooks) BeginUnit() {
	h.sender.Send(busysig.Acquired, h.id)
	h.handled++
}

// EndUnit reports the worker idle and applies the retirement policy. In
// CooperativeRetire mode reaching the limit only arms ShouldContinue; in
// ImmediateExit mode the process terminates here with RetiredExitCode.
func (h *Hooks) EndUnit() {
	h.sender.Send(busysig.Released, h.id)
	if h.maxRequests <= 0 || h.handled < h.maxRequests {
		return
	}
	if h.mode == ImmediateExit {
		h.exit(RetiredExitCode)
		return
	}
	h.retire = true
}

// ShouldContinue reports whether the dispatch loop may take another unit of
// work. Once it returns false it stays false.
func (h *Hooks) ShouldContinue() bool {
	return !h.retire
}

// Handled returns the number of units of work completed so far.
func (h *Hooks) Handled() int {
	return h.handled
}
