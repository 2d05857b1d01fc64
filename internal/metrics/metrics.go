package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storefront"

var (
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "total",
			Help:      "Settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	SettlementLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Time from begin to commit of a settlement transaction",
			Buckets:   prometheus.DefBuckets,
		},
	)

	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries written by direction and type",
		},
		[]string{"direction", "type"},
	)

	CodeAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "codes",
			Name:      "attempts",
			Help:      "Candidate sets generated per successful code reservation",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)

	CodeCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codes",
			Name:      "collisions_total",
			Help:      "Candidate sets discarded because a code already existed",
		},
	)

	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "failures_total",
			Help:      "Best-effort side effects that failed, by effect",
		},
		[]string{"effect"},
	)

	BackfillQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "backfill_queued_total",
			Help:      "Fulfillment rows pushed onto the backfill queue",
		},
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "total",
			Help:      "Provider callbacks by outcome",
		},
		[]string{"outcome"},
	)

	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "cancellations_total",
			Help:      "Cancellation requests by outcome",
		},
		[]string{"outcome"},
	)
)
