// Package eventfeed fans scaling and lifecycle notifications out to live
// subscribers, including websocket clients of the status server.
package eventfeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/prefork/internal/logx"
)

// Event is one notification from the autoscale controller.
type Event struct {
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	From       int       `json:"from,omitempty"`
	To         int       `json:"to,omitempty"`
	Busy       int       `json:"busy,omitempty"`
	Live       int       `json:"live,omitempty"`
	Target     int       `json:"target,omitempty"`
	Victims    []int     `json:"victims,omitempty"`
	WorkerPID  int       `json:"worker_pid,omitempty"`
	WorkerUUID string    `json:"worker_uuid,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Event types published by the supervisor.
const (
	TypeScaleUp     = "scale_up"
	TypeScaleDown   = "scale_down"
	TypeReplenish   = "replenish"
	TypeWorkerExit  = "worker_exit"
	TypeWorkerSpawn = "worker_spawn"
)

// Hub broadcasts events to subscribers. Publish never blocks; a subscriber
// that cannot keep up loses events rather than stalling the controller loop.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every subscriber, dropping it for full ones.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// WSHandler streams events to a websocket client as JSON, one message per
// event, until the client goes away.
func (h *Hub) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "bye")

		ctx := r.Context()
		events, cancel := h.Subscribe()
		defer cancel()
		logx.Log.Debug().Str("remote_addr", r.RemoteAddr).Msg("event feed subscriber connected")

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := c.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
			}
		}
	}
}
