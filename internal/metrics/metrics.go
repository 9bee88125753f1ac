// Package metrics defines the Prometheus instrumentation shared by the
// relay, the connection pool, and the local registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics
var (
	// BroadcastsPublished counts envelopes published to the shared channel by kind.
	BroadcastsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_broadcasts_published_total",
			Help: "Envelopes published to the shared Redis channel by kind",
		},
		[]string{"kind"},
	)

	// MessagesReceived counts inbound envelopes by kind before filtering.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_messages_received_total",
			Help: "Inbound envelopes received on the subscription by kind",
		},
		[]string{"kind"},
	)

	// MessagesDropped counts inbound messages dropped before local delivery,
	// by reason (decode_error, self_echo, wrong_target).
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_messages_dropped_total",
			Help: "Inbound messages dropped before delivery by reason",
		},
		[]string{"reason"},
	)

	// RelayReconnects counts subscription reconnection attempts.
	RelayReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_relay_reconnects_total",
			Help: "Subscription loss and reconnection attempts",
		},
	)
)

// Connection pool metrics
var (
	// PoolSlotsInUse tracks checked-out publish connections.
	PoolSlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_pool_slots_in_use",
			Help: "Publish connections currently checked out",
		},
	)

	// PoolCheckoutWait observes time spent waiting for a free slot.
	PoolCheckoutWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pubsub_pool_checkout_wait_seconds",
			Help:    "Time publishers spent waiting for a pool slot",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// PoolSlotReplacements counts broken connections replaced on checkout.
	PoolSlotReplacements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_pool_slot_replacements_total",
			Help: "Broken publish connections replaced by the pool",
		},
	)

	// PoolExhausted counts checkouts rejected or abandoned because no slot freed up.
	PoolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_pool_exhausted_total",
			Help: "Checkouts that failed because the pool was saturated",
		},
	)
)

// Local registry metrics
var (
	// LocalSubscribers tracks current local subscriber count across topics.
	LocalSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_local_subscribers",
			Help: "Current local subscribers across all topics",
		},
	)

	// LocalDelivered counts messages handed to local subscriber mailboxes.
	LocalDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_local_delivered_total",
			Help: "Messages delivered to local subscriber mailboxes",
		},
	)

	// LocalDroppedSlow counts messages dropped because a subscriber mailbox was full.
	LocalDroppedSlow = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_local_dropped_slow_total",
			Help: "Messages dropped because a subscriber mailbox was full",
		},
	)
)

// Supervision metrics
var (
	// SupervisorRestarts counts child restarts by child name.
	SupervisorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_supervisor_restarts_total",
			Help: "Child restarts performed by the supervisor by child",
		},
		[]string{"child"},
	)

	// RedisConnectionErrors counts failed dials to the Redis server.
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_redis_connection_errors_total",
			Help: "Failed connection attempts to the Redis server",
		},
	)

	// CircuitBreakerState tracks the publish-side breaker (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_circuit_breaker_state",
			Help: "Publish-side circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
