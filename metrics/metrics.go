// Package metrics holds the Prometheus collectors for the ledger and the
// achievement engine. Collectors register with the default registry, which
// the API exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "creator"

// ─── Ledger ─────────────────────────────────────────────────────────────────

var LedgerTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "transactions_total",
	Help:      "Committed ledger transactions by kind and reason.",
}, []string{"kind", "reason"})

var LedgerAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "amount_total",
	Help:      "Sum of committed transaction amounts by kind.",
}, []string{"kind"})

var LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "rejections_total",
	Help:      "Ledger operations rejected before commit, by operation and cause.",
}, []string{"operation", "cause"})

// ─── Achievements ───────────────────────────────────────────────────────────

var AchievementUnlocks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "achievements",
	Name:      "unlocks_total",
	Help:      "Achievements unlocked by trigger type.",
}, []string{"trigger"})

var AchievementSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "achievements",
	Name:      "candidates_skipped_total",
	Help:      "Candidates skipped because their progress lookup failed.",
}, []string{"trigger"})

var AchievementSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "achievements",
	Name:      "candidates_suppressed_total",
	Help:      "Candidates that met their threshold but were suppressed by a cap.",
}, []string{"trigger"})

var AchievementCascadeSteps = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "achievements",
	Name:      "cascade_steps",
	Help:      "Trigger evaluations performed per HandleTrigger call.",
	Buckets:   []float64{1, 2, 3, 4, 6, 8, 16, 32, 64},
})
