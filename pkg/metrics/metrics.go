// Package metrics defines the Prometheus metrics of the collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "brt_collector"

// TicksTotal counts finished ticks.
// Label:
//   - status: "success", "partial", "aborted" or "skipped"
var TicksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Total number of pipeline ticks, by final status.",
	},
	[]string{"status"},
)

// TickAbortsTotal counts aborted ticks by the state that failed.
var TickAbortsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tick_aborts_total",
		Help:      "Total number of aborted ticks, by the state they aborted in.",
	},
	[]string{"state"},
)

var EntriesFetchedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_fetched_total",
		Help:      "Total number of vehicle entries returned by the upstream API.",
	},
)

var EntriesMalformedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_malformed_total",
		Help:      "Total number of upstream entries skipped as malformed.",
	},
)

// RowsTotal counts loaded rows.
// Label:
//   - result: "inserted", "updated", "skipped" or "errored"
var RowsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_total",
		Help:      "Total number of snapshot rows reconciled into the store, by result.",
	},
	[]string{"result"},
)

var TickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of a pipeline tick from fetch to load.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	},
)

// LastSuccessTimestamp is the unix time of the last tick that reached Done.
var LastSuccessTimestamp = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last tick that completed.",
	},
)
