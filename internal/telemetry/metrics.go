package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Fetch ───────────────────────────────────────────────────────────────────

	FetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Fetch attempts, labelled by outcome (ok, transient, blocked, error).",
	}, []string{"outcome"})

	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "fetch",
		Name:      "retries_total",
		Help:      "Local retries of transient fetch failures.",
	})

	BreakerOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "fetch",
		Name:      "breaker_opened_total",
		Help:      "Times an origin circuit was opened.",
	})

	// ─── Pipeline ────────────────────────────────────────────────────────────────

	PhaseDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "larder",
		Subsystem: "pipeline",
		Name:      "phase_duration_seconds",
		Help:      "Duration of each pipeline phase.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"phase"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "pipeline",
		Name:      "tasks_finished_total",
		Help:      "Tasks leaving the pipeline, labelled by resulting status.",
	}, []string{"status"})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "larder",
		Subsystem: "pipeline",
		Name:      "tasks_inflight",
		Help:      "Tasks currently executing in the pipeline.",
	})

	ExtractionsByMethod = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "extract",
		Name:      "extractions_total",
		Help:      "Successful extractions, labelled by method.",
	}, []string{"method"})

	SimilarityViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "similarity",
		Name:      "violations_total",
		Help:      "Drafts violating the similarity policy, labelled by stage (initial, after_repair).",
	}, []string{"stage"})

	// ─── Review ──────────────────────────────────────────────────────────────────

	ReviewOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "review",
		Name:      "outcomes_total",
		Help:      "Review decisions, labelled by outcome (committed, rejected, expired, conflict, duplicate).",
	}, []string{"outcome"})

	NotifyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Progress events that could not be delivered.",
	})
)
