package supervisor

import (
	"github.com/gaspardpetit/prefork/internal/eventfeed"
	"github.com/gaspardpetit/prefork/internal/logx"
	"github.com/gaspardpetit/prefork/internal/pool"
)

// notifier turns controller notifications into structured log lines and
// event-feed messages. It runs on the controller loop, so it must not block;
// hub publishes drop rather than wait.
type notifier struct {
	hub *eventfeed.Hub
}

func (n *notifier) ScaleUp(from, to, busy int) {
	logx.Log.Info().Int("from", from).Int("to", to).Int("busy", busy).Msg("scaling up")
	n.hub.Publish(eventfeed.Event{Type: eventfeed.TypeScaleUp, From: from, To: to, Busy: busy})
}

func (n *notifier) ScaleDown(from, to int, victims []int) {
	logx.Log.Info().Int("from", from).Int("to", to).Ints("victims", victims).Msg("scaling down")
	n.hub.Publish(eventfeed.Event{Type: eventfeed.TypeScaleDown, From: from, To: to, Victims: victims})
}

func (n *notifier) Replenish(live, target int) {
	logx.Log.Info().Int("live", live).Int("target", target).Msg("replenishing pool")
	n.hub.Publish(eventfeed.Event{Type: eventfeed.TypeReplenish, Live: live, Target: target})
}

func (n *notifier) WorkerExited(w pool.WorkerInfo, exit pool.ExitStatus) {
	reason := "exited"
	switch {
	case exit.Retired:
		reason = "expired max request count"
	case exit.Signaled:
		reason = "killed"
	}
	logx.Log.Info().Int("pid", w.PID).Str("worker_uuid", w.UUID).Int("code", exit.Code).Str("reason", reason).Msg("worker exited")
	n.hub.Publish(eventfeed.Event{Type: eventfeed.TypeWorkerExit, WorkerPID: w.PID, WorkerUUID: w.UUID, Reason: reason})
}
