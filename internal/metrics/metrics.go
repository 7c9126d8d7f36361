// Package metrics declares the Prometheus series exported by the chat core.
//
// Naming convention: namespace_subsystem_name.
//   - namespace: chat_core (application-level grouping)
//   - subsystem: session, room, message, sweeper, redis, circuit_breaker
//   - name: specific series
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of live sessions (Gauge - current state).
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_core",
		Subsystem: "session",
		Name:      "active",
		Help:      "Current number of live sessions",
	})

	// ActiveRooms tracks the number of rooms currently in the store.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_core",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of rooms",
	})

	// RoomOccupants tracks occupant count per room (GaugeVec - current state per room).
	RoomOccupants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chat_core",
		Subsystem: "room",
		Name:      "occupants",
		Help:      "Number of occupants in each room",
	}, []string{"room_id"})

	// MessagesAppended tracks messages appended to the log (CounterVec - cumulative).
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "message",
		Name:      "appended_total",
		Help:      "Total messages appended to the log",
	}, []string{"room_id"})

	// BroadcastDuration tracks the time spent fanning a single message out to
	// its room's occupants (HistogramVec - latency distribution).
	BroadcastDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat_core",
		Subsystem: "message",
		Name:      "broadcast_duration_seconds",
		Help:      "Time spent fanning a message out to room occupants",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"room_id"})

	// SweeperEvictions tracks idle-timeout sweeper evictions (Counter - cumulative).
	SweeperEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "sweeper",
		Name:      "evictions_total",
		Help:      "Total sessions evicted by the idle-timeout sweeper",
	})

	// CircuitBreakerState tracks the remote-mirror circuit breaker state.
	// 0: Closed (healthy), 1: Open (failing), 2: Half-Open (recovering).
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_core",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Remote room-store mirror circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// RemoteStoreOperations tracks calls to the optional Redis mirror.
	RemoteStoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_core",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total remote room-store mirror operations",
	}, []string{"operation", "status"})
)
