package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "prefork_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "supervisor"},
		},
		[]string{"date", "sha", "version"},
	)

	poolTarget = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefork_pool_target",
			Help: "Desired worker count",
		},
	)

	workersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefork_workers_live",
			Help: "Live worker processes",
		},
	)

	workersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefork_workers_busy",
			Help: "Workers currently processing a unit of work",
		},
	)

	scaleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefork_scale_events_total",
			Help: "Pool size adjustments by direction",
		},
		[]string{"direction"},
	)

	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefork_worker_exits_total",
			Help: "Reaped worker exits by reason",
		},
		[]string{"reason"},
	)

	workerSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prefork_worker_spawns_total",
			Help: "Worker processes forked",
		},
	)

	signalsDrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prefork_busy_signals_total",
			Help: "Busy/idle signals drained from the channel",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, poolTarget, workersLive, workersBusy, scaleEvents, workerExits, workerSpawns, signalsDrained)
}

// SetBuildInfo sets the build info metric for the supervisor.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetPoolGauges publishes the per-iteration pool counters.
func SetPoolGauges(target, live, busy int) {
	poolTarget.Set(float64(target))
	workersLive.Set(float64(live))
	workersBusy.Set(float64(busy))
}

// RecordScaleEvent counts a pool adjustment ("up" or "down").
func RecordScaleEvent(direction string) {
	scaleEvents.WithLabelValues(direction).Inc()
}

// RecordWorkerExit counts a reaped exit ("retired", "killed" or "exited").
func RecordWorkerExit(reason string) {
	workerExits.WithLabelValues(reason).Inc()
}

// RecordWorkerSpawn counts one forked worker.
func RecordWorkerSpawn() {
	workerSpawns.Inc()
}

// RecordSignalsDrained counts signals consumed from the busy-signal channel.
func RecordSignalsDrained(n int) {
	if n > 0 {
		signalsDrained.Add(float64(n))
	}
}
