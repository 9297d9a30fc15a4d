// Package supervisor owns the worker pool: it forks worker processes,
// funnels their exits to the autoscale controller, and translates the
// controller's decisions back into forking and killing.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/prefork/internal/busysig"
	"github.com/gaspardpetit/prefork/internal/config"
	"github.com/gaspardpetit/prefork/internal/eventfeed"
	"github.com/gaspardpetit/prefork/internal/logx"
	"github.com/gaspardpetit/prefork/internal/metrics"
	"github.com/gaspardpetit/prefork/internal/pool"
	"github.com/gaspardpetit/prefork/internal/poolstate"
	"github.com/gaspardpetit/prefork/internal/worker"
)

const workerEnvVar = "PREFORK_WORKER"

// Children inherit the busy-signal send end and the shared work listener at
// fixed descriptor slots.
const (
	BusySignalFD = 3
	ListenerFD   = 4
)

// IsWorker reports whether this process was forked as a pool worker.
func IsWorker() bool {
	return os.Getenv(workerEnvVar) == "1"
}

// WorkerSignalFile returns the inherited busy-signal send end. Only valid
// inside a worker process.
func WorkerSignalFile() *os.File {
	return os.NewFile(BusySignalFD, "busysig-send")
}

// WorkerListenerFile returns the inherited work listener. Only valid inside
// a worker process.
func WorkerListenerFile() *os.File {
	return os.NewFile(ListenerFD, "listener")
}

type exitEvent struct {
	pid  int
	exit pool.ExitStatus
}

// Supervisor is the long-lived process owning the pool. It implements
// pool.ProcessControl for the controller.
type Supervisor struct {
	cfg  config.Config
	ch   *busysig.Channel
	reg  *pool.Registry
	ctrl *pool.Controller
	hub  *eventfeed.Hub

	listener *os.File
	exits    chan exitEvent

	// spawnCmd builds the worker command; replaced in tests.
	spawnCmd func() *exec.Cmd

	shutdownOnce sync.Once
}

// New creates the supervisor and its signaling channel. Channel creation is
// the one startup failure the caller must treat as fatal.
func New(cfg config.Config, hub *eventfeed.Hub) (*Supervisor, error) {
	ch, err := busysig.New()
	if err != nil {
		return nil, fmt.Errorf("create busy-signal channel: %w", err)
	}
	s := &Supervisor{
		cfg:   cfg,
		ch:    ch,
		reg:   pool.NewRegistry(),
		hub:   hub,
		exits: make(chan exitEvent, 64),
	}
	s.spawnCmd = s.selfExec
	s.ctrl = pool.NewController(pool.Options{
		MinWorkers:   cfg.MinWorkers,
		MaxWorkers:   cfg.MaxWorkers,
		StepSize:     cfg.StepSize,
		Cooldown:     cfg.Cooldown,
		PollInterval: cfg.PollInterval,
	}, s.reg, ch, s, &notifier{hub: hub})
	s.ctrl.SetTarget(cfg.InitialWorkers)
	// Resume the previous pool target when one was persisted.
	if st := poolstate.Get(); st.Target > 0 {
		s.ctrl.SetTarget(st.Target)
	}
	return s, nil
}

// SetWorkListener hands the shared work listener to be inherited by every
// worker child.
func (s *Supervisor) SetWorkListener(f *os.File) {
	s.listener = f
}

// Target returns the controller's current desired worker count.
func (s *Supervisor) Target() int {
	return s.ctrl.Target()
}

// Run brings the pool up to target and then drives the controller loop,
// forking on adjust decisions until ctx is canceled. Failures to fork are
// logged and retried on the next replenish decision, never raised.
func (s *Supervisor) Run(ctx context.Context) error {
	poolstate.SetStatus("ready")
	if err := s.adjustTo(s.ctrl.Target()); err != nil {
		logx.Log.Error().Err(err).Msg("initial spawn")
	}
	for {
		d, err := s.ctrl.Wait(ctx)
		if err != nil {
			return err
		}
		switch d.Kind {
		case pool.DecisionReaped:
			// Nothing to fork here; a replenish decision follows on a
			// later iteration if the pool fell below target.
		case pool.DecisionAdjust:
			if err := s.adjustTo(d.Target); err != nil {
				logx.Log.Error().Err(err).Int("target", d.Target).Msg("spawn")
			}
		}
	}
}

// adjustTo forks workers until the live count reaches target.
func (s *Supervisor) adjustTo(target int) error {
	for s.reg.Len() < target {
		if err := s.spawn(); err != nil {
			return err
		}
	}
	return nil
}

// selfExec builds the default worker command: this binary re-executed with
// the worker personality selected by environment.
func (s *Supervisor) selfExec() *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.Command(exe)
	retire := s.cfg.CooperativeRetire == nil || *s.cfg.CooperativeRetire
	cmd.Env = append(os.Environ(),
		workerEnvVar+"=1",
		fmt.Sprintf("MAX_REQUESTS_PER_WORKER=%d", s.cfg.MaxRequestsPerWorker),
		fmt.Sprintf("COOPERATIVE_RETIRE=%t", retire),
		"LOG_LEVEL="+s.cfg.LogLevel,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func (s *Supervisor) spawn() error {
	cmd := s.spawnCmd()
	cmd.ExtraFiles = []*os.File{s.ch.WorkerFile()}
	if s.listener != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, s.listener)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	info := pool.WorkerInfo{PID: cmd.Process.Pid, UUID: uuid.NewString(), StartedAt: time.Now()}
	s.reg.Add(info)
	metrics.RecordWorkerSpawn()
	logx.Log.Info().Int("pid", info.PID).Str("worker_uuid", info.UUID).Msg("worker spawned")
	s.hub.Publish(eventfeed.Event{Type: eventfeed.TypeWorkerSpawn, WorkerPID: info.PID, WorkerUUID: info.UUID})

	go func() {
		// Wait's error carries no more than ProcessState does here.
		_ = cmd.Wait()
		s.exits <- exitEvent{pid: info.PID, exit: exitStatusFrom(cmd.ProcessState)}
	}()
	return nil
}

// ReapOne is the controller's non-blocking reap probe.
func (s *Supervisor) ReapOne() (int, pool.ExitStatus, bool) {
	select {
	case ev := <-s.exits:
		return ev.pid, ev.exit, true
	default:
		return 0, pool.ExitStatus{}, false
	}
}

// Kill hard-terminates a worker. "Already gone" is not an error worth
// reporting; the next reap clears the registry either way.
func (s *Supervisor) Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// Shutdown releases the busy-signal channel and terminates remaining
// workers. Safe to call more than once, and safe when startup never got as
// far as creating the channel.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.ch != nil {
			s.ch.Destroy()
		}
		for _, pid := range s.reg.PIDs() {
			_ = s.Kill(pid)
			s.reg.Remove(pid)
		}
		poolstate.SetStatus("stopped")
		logx.Log.Info().Msg("supervisor shut down")
	})
}

// Channel exposes the busy-signal channel to the embedding main, which needs
// the send end when running the worker personality in-process.
func (s *Supervisor) Channel() *busysig.Channel {
	return s.ch
}

func exitStatusFrom(ps *os.ProcessState) pool.ExitStatus {
	if ps == nil {
		return pool.ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return pool.ExitStatus{Code: int(ws.Signal()), Signaled: true}
	}
	code := ps.ExitCode()
	return pool.ExitStatus{Code: code, Retired: code == worker.RetiredExitCode}
}
