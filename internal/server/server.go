// Package server exposes the supervisor's status surfaces: health, pool
// state, Prometheus metrics, the live event feed, and a small HTML page.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/prefork/internal/config"
	"github.com/gaspardpetit/prefork/internal/eventfeed"
)

// New constructs the status HTTP handler.
func New(hub *eventfeed.Hub, cfg config.Config) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/state", StateHandler())
	r.Handle("/events", hub.WSHandler())
	r.Get("/", StatusHandler())
	return r
}
