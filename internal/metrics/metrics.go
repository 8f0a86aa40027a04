package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "podmesh"
)

var (
	// ErrorEvents counts failures reported into the recovery machine
	ErrorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_events_total",
			Help:      "Total number of error events by category and source",
		},
		[]string{"category", "source"},
	)

	// RecoveryActions counts actions produced by policy evaluation
	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Total number of recovery actions by kind",
		},
		[]string{"kind"},
	)

	// ClockOffset tracks the current offset to the master clock
	ClockOffset = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_offset_us",
			Help:      "Estimated offset to the master clock in microseconds",
		},
	)

	// ClockRTT tracks the last accepted round trip
	ClockRTT = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_round_trip_us",
			Help:      "Last accepted round trip in microseconds",
		},
	)

	// SyncConfidence exposes the confidence level (0=unsynced, 1=coarse, 2=fine)
	SyncConfidence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_confidence",
			Help:      "Clock sync confidence: 0 unsynced, 1 coarse, 2 fine",
		},
	)

	// RejectedSamples counts round-trip samples discarded as outliers or stale
	RejectedSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_sync_samples_total",
			Help:      "Round-trip samples rejected before incorporation",
		},
		[]string{"reason"}, // outlier/stale
	)

	// KnownPeers tracks registry size
	KnownPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peers",
			Help:      "Number of peers currently in the registry",
		},
	)

	// PeerEvictions counts stale-peer evictions
	PeerEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_evictions_total",
			Help:      "Peers evicted after the silence timeout",
		},
	)

	// Elections counts election rounds entered
	Elections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Election rounds this node has entered as candidate",
		},
	)

	// Role exposes the current role (0=unassociated, 1=candidate, 2=master, 3=follower)
	Role = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role",
			Help:      "Current role: 0 unassociated, 1 candidate, 2 master, 3 follower",
		},
	)

	// JoinRejects counts rejected join requests (master side)
	JoinRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_rejects_total",
			Help:      "JOIN_REQUEST messages rejected",
		},
	)

	// DecodeErrors counts undecodable datagrams
	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams that failed to decode",
		},
	)

	// BusResets counts arbiter recovery sequences
	BusResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_resets_total",
			Help:      "Shared bus reset sequences performed",
		},
	)
)
