// Package metrics defines the Prometheus instrumentation for the
// coordination core: roster cache behavior, membership resolution sources,
// RPC pressure, and sponsor lease contention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Roster cache
	RosterCacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "roster",
		Name:      "cache_reads_total",
		Help:      "Roster cache read outcomes",
	}, []string{"outcome"}) // fresh, stale, miss, bypass, disabled

	RosterRebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "roster",
		Name:      "rebuilds_total",
		Help:      "Roster rebuilds by trigger and persistence outcome",
	}, []string{"mode", "cached"}) // mode: sync|async, cached: true|false

	RosterRebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "memberd",
		Subsystem: "roster",
		Name:      "rebuild_duration_seconds",
		Help:      "Full roster rebuild duration",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	RosterLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "roster",
		Name:      "lock_contention_total",
		Help:      "Rebuilds that lost the lock race and computed without persisting",
	})

	RosterMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "memberd",
		Subsystem: "roster",
		Name:      "members",
		Help:      "Total members in the last persisted roster",
	})

	// Membership resolution
	MembershipResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "membership",
		Name:      "resolutions_total",
		Help:      "Per-tier membership resolutions by winning source",
	}, []string{"source"}) // subgraph, chain, none

	MembershipCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "membership",
		Name:      "cache_hits_total",
		Help:      "Snapshot cache hits",
	})

	MembershipCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "membership",
		Name:      "cache_misses_total",
		Help:      "Snapshot cache misses",
	})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Chain RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Times RPC calls waited for the local rate limiter",
	})

	// Subgraph
	SubgraphRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "subgraph",
		Name:      "requests_total",
		Help:      "Subgraph queries by status",
	}, []string{"status"}) // ok, error, open_circuit

	// Sponsor
	SponsorLeaseAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "sponsor",
		Name:      "lease_acquires_total",
		Help:      "Nonce lease acquisition outcomes",
	}, []string{"outcome"}) // ok, busy, error

	SponsorDailySlotDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memberd",
		Subsystem: "sponsor",
		Name:      "daily_slot_denied_total",
		Help:      "Daily transaction budget reservations denied",
	})
)
