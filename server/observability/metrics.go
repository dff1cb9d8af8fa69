package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeartbeatsTotal counts ingest outcomes: applied, duplicate, rejected.
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlewatch_heartbeats_total",
		Help: "Heartbeats processed, by outcome.",
	}, []string{"outcome"})

	// IngestDuration tracks wall time for one heartbeat application.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "idlewatch_ingest_duration_seconds",
		Help:    "Time spent applying a single heartbeat.",
		Buckets: prometheus.DefBuckets,
	})

	// MachinesByStatus mirrors the fleet composition.
	MachinesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "idlewatch_machines",
		Help: "Machines currently in each status.",
	}, []string{"status"})

	// EnergyWastedKWH is the fleet's accumulated idle burn.
	EnergyWastedKWH = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idlewatch_energy_wasted_kwh",
		Help: "Total estimated energy wasted while idle.",
	})

	// CommandsTotal counts lifecycle events: created, executed, failed,
	// expired.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlewatch_commands_total",
		Help: "Command lifecycle events, by outcome.",
	}, []string{"outcome"})

	// SweepDuration tracks each background sweep pass.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idlewatch_sweep_duration_seconds",
		Help:    "Time spent in each maintenance sweep.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})

	// SweepMarked counts rows each sweep transitioned.
	SweepMarked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlewatch_sweep_marked_total",
		Help: "Rows transitioned by maintenance sweeps.",
	}, []string{"sweep"})

	// RateLimitedTotal counts requests shed by throttles.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlewatch_rate_limited_total",
		Help: "Requests rejected by rate limiting, by endpoint.",
	}, []string{"endpoint"})

	// LoginsTotal counts dashboard login attempts.
	LoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlewatch_logins_total",
		Help: "Dashboard login attempts, by result.",
	}, []string{"result"})

	// EventPublishFailures counts dropped event bus publishes.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idlewatch_event_publish_failures_total",
		Help: "Events that could not be published.",
	})
)
