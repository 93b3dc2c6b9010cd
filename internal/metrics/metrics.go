// Package metrics holds the prometheus client_golang instrumentation shared
// by the segment, segment holder, optimizer and update handler packages,
// grounded on milvus's internal/metrics package shape
// (one registry, package-level collectors, labelled by component). No HTTP
// exposition handler is registered here — wiring a /metrics endpoint is the
// excluded transport surface — but every collector below is updated by real
// code paths.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "segmentcore"

var (
	Registry = prometheus.NewRegistry()

	SegmentUpsertTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "upsert_total",
		Help:      "Number of upsert_point operations applied, by outcome.",
	}, []string{"outcome"})

	SegmentDeleteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "delete_total",
		Help:      "Number of delete_point operations applied.",
	}, []string{})

	SegmentSearchLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "search_latency_seconds",
		Help:      "Latency of segment search operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	OptimizerRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "runs_total",
		Help:      "Number of optimization runs, by optimizer name and outcome.",
	}, []string{"optimizer", "outcome"})

	OptimizerSegmentsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "segments_in_flight",
		Help:      "Number of segments currently wrapped in a proxy for optimization.",
	}, []string{"optimizer"})

	FlushWatermark = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "watermark_op_num",
		Help:      "Highest op_num durably flushed by the most recent flush_all.",
	})

	WALAckOpNum = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "ack_op_num",
		Help:      "Highest op_num acknowledged (truncated) in the write-ahead log.",
	})
)

func init() {
	Registry.MustRegister(
		SegmentUpsertTotal,
		SegmentDeleteTotal,
		SegmentSearchLatencySeconds,
		OptimizerRunsTotal,
		OptimizerSegmentsInFlight,
		FlushWatermark,
		WALAckOpNum,
	)
}
