// Package observability holds the Prometheus metrics exported by Kestrel.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace defines the global prefix for all metrics (e.g., kestrel_...).
const namespace = "kestrel"

// scoringBuckets cover in-process rule scoring, which is pure CPU work.
var scoringBuckets = []float64{.0001, .0005, .001, .002, .005, .010, .025, .050, .100}

var (
	// -------------------------------------------------------------------------
	// HTTP
	// -------------------------------------------------------------------------

	// HTTPRequestDuration measures the latency of HTTP requests.
	// Metric: kestrel_http_handling_seconds
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "handling_seconds",
		Help:      "Time taken to handle HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// HTTPRequestsTotal counts the total number of HTTP requests.
	// Metric: kestrel_http_requests_total
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "route", "code"})

	// -------------------------------------------------------------------------
	// SCORING
	// -------------------------------------------------------------------------

	// FormulaFailures counts custom formulas that degraded to 0.
	// stage is "compile" or "eval".
	FormulaFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scoring",
		Name:      "formula_failures_total",
		Help:      "Custom formulas that failed to compile or evaluate",
	}, []string{"stage"})

	// GuardFailures counts when-guards that errored at runtime.
	GuardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scoring",
		Name:      "guard_failures_total",
		Help:      "Eligibility guards that failed to evaluate",
	})

	// RulesScored counts rule evaluations by type.
	RulesScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scoring",
		Name:      "rules_scored_total",
		Help:      "Rules scored, by rule type",
	}, []string{"type"})

	// CalculationDuration measures scoring of one transaction.
	CalculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scoring",
		Name:      "calculation_seconds",
		Help:      "Time taken to score every applicable rule of a transaction",
		Buckets:   scoringBuckets,
	})

	// RuleCacheHits counts per-scope rule lists served from cache.
	RuleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "cache_hits_total",
		Help:      "Rule lists served from cache",
	})

	// RuleCacheMisses counts per-scope rule lists loaded from storage.
	RuleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "cache_misses_total",
		Help:      "Rule lists loaded from storage",
	})

	// -------------------------------------------------------------------------
	// LEDGER
	// -------------------------------------------------------------------------

	// LedgerOperations counts ledger calls by operation and outcome.
	// outcome is one of "ok", "insufficient", "error".
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by outcome",
	}, []string{"op", "outcome"})

	// LedgerPoints counts points moved by direction.
	LedgerPoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "points_total",
		Help:      "Points credited or debited",
	}, []string{"kind"})

	// LedgerRetries counts retried storage conflicts.
	LedgerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "retries_total",
		Help:      "Ledger writes retried after a storage conflict",
	}, []string{"op"})

	// -------------------------------------------------------------------------
	// AWARDS
	// -------------------------------------------------------------------------

	// AwardsTotal counts finalize and recalculate outcomes.
	AwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "award",
		Name:      "total",
		Help:      "Finalized and recalculated transactions by outcome",
	}, []string{"op", "outcome"})

	// WorkerMessages counts bus messages handled by the finalization worker.
	WorkerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "messages_total",
		Help:      "Finalize requests consumed from the bus",
	}, []string{"outcome"})
)
