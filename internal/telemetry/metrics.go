// Package telemetry holds the Prometheus metrics exported by the indexer.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll loop metrics
	PollIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twapidx_poll_iterations_total",
			Help: "Poll loop iterations by outcome",
		},
		[]string{"chain_id", "outcome"}, // ok, empty, error, not_leader
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "twapidx_poll_duration_seconds",
			Help:    "Time spent in one poll iteration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"chain_id"},
	)

	CursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "twapidx_cursor_block",
			Help: "Last processed block per chain",
		},
		[]string{"chain_id"},
	)

	HeadLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "twapidx_head_lag_blocks",
			Help: "Chain head minus last processed block",
		},
		[]string{"chain_id"},
	)

	// Event metrics
	EventsFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twapidx_events_fetched_total",
			Help: "ConditionalOrderCreated events fetched",
		},
		[]string{"chain_id"},
	)

	EventsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twapidx_events_skipped_total",
			Help: "Events not committed, by reason",
		},
		[]string{"chain_id", "reason"}, // unsupported_handler, malformed, invalid, part_mismatch, transient
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twapidx_dead_letters_total",
			Help: "Events quarantined to the dead-letter store",
		},
		[]string{"chain_id"},
	)

	// Order metrics
	OrdersCommittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twapidx_orders_committed_total",
			Help: "Orders committed, by classified status",
		},
		[]string{"chain_id", "status"},
	)

	StatusChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twapidx_status_changes_total",
			Help: "Committed orders whose status differed from the stored one",
		},
		[]string{"chain_id", "status"},
	)

	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "twapidx_commit_duration_seconds",
			Help:    "Reconciliation transaction duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Orderbook metrics
	PartLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twapidx_part_lookups_total",
			Help: "Orderbook part lookups by result",
		},
		[]string{"chain_id", "result"}, // ok, not_found, error
	)
)

// HTTPRequestDuration tracks status server latency by matched route.
var HTTPRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "twapidx_http_request_duration_seconds",
		Help:    "Status server request latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "code"},
)
