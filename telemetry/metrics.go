// Package telemetry holds the Prometheus collectors for the router, the
// scheduler and the organ supervisors.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nexus"

var (
	Registry = prometheus.NewRegistry()

	PacketsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_ingested_total",
			Help:      "Packets accepted for routing, by intent.",
		},
		[]string{"intent"},
	)

	PacketsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_delivered_total",
			Help:      "Packets handed to an organ, by organ kind.",
		},
		[]string{"kind"},
	)

	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets discarded by the router, by reason.",
		},
		[]string{"reason"},
	)

	PacketsLevitated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_levitated_total",
			Help:      "Low-gravity packets redirected to the levitation sink.",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from scheduler admission to organ hand-off.",
			// 100us .. ~1.6s
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	SchedulerQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queued",
			Help:      "Dispatch tasks waiting for a scheduler slot.",
		},
	)

	SchedulerInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_in_flight",
			Help:      "Dispatch tasks currently running.",
		},
	)

	OrganSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "organ_spawns_total",
			Help:      "Organ child processes started, including resurrections.",
		},
		[]string{"organ"},
	)

	OrganDeaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "organ_deaths_total",
			Help:      "Organs that exhausted their resurrection budget.",
		},
		[]string{"organ"},
	)

	OrganUndos = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "organ_undos_total",
			Help:      "Operations rolled back after organ stderr output.",
		},
		[]string{"organ"},
	)

	AntibodyMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "antibody_matches_total",
			Help:      "Errors matched by an antibody, by remedy.",
		},
		[]string{"remedy"},
	)

	BusDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_signals_dropped_total",
			Help:      "Signal deliveries skipped because a subscriber was full.",
		},
	)

	MonitorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_requests_total",
			Help:      "Requests served by the monitor endpoint.",
		},
		[]string{"path", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		PacketsIngested, PacketsDelivered, PacketsDropped, PacketsLevitated,
		DispatchDuration, SchedulerQueued, SchedulerInFlight,
		OrganSpawns, OrganDeaths, OrganUndos,
		AntibodyMatches, BusDropped, MonitorRequests,
		buildInfo, uptime,
	)
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// ObserveScheduler copies scheduler occupancy into the gauges.
func ObserveScheduler(queued int, inFlight int64) {
	SchedulerQueued.Set(float64(queued))
	SchedulerInFlight.Set(float64(inFlight))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument counts requests to next under path, by status class.
func Instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		MonitorRequests.WithLabelValues(path, strconv.Itoa(sw.status/100)+"xx").Inc()
	})
}
