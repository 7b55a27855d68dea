package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "MetaDB"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	ShardRecordsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "records_written_total",
		Help:      "Records put into the shard indexes of this rank.",
	}, []string{"index"})

	ShardRecordsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "records_deleted_total",
		Help:      "Records deleted from the shard indexes of this rank.",
	}, []string{"index"})

	ShardRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "rejected_total",
		Help:      "Requests refused by shard admission control.",
	}, []string{"op"})

	RouterBatchRecords = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "batch_records",
		Help:      "Records per shard request sent by the router.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"index"})

	RouterShardErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "shard_errors_total",
		Help:      "Failed shard requests by failure kind.",
	}, []string{"kind"})

	RouterStagedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "staged_bytes",
		Help:      "Bytes currently staged for outstanding batches.",
	})

	ReadSegments = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "segments",
		Help:      "Segments per reconstructed read plan.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	ReadHoles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "holes_total",
		Help:      "Unwritten gaps found while reconstructing reads.",
	})

	ReadIncomplete = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "incomplete_total",
		Help:      "Read plans built while a shard was unavailable.",
	})

	HierarchyStaleEdges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hierarchy",
		Name:      "stale_edges_total",
		Help:      "Edges skipped because their attribute is gone or names another parent.",
	})

	HierarchyRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hierarchy",
		Name:      "repairs_total",
		Help:      "Edges inserted or deleted by hierarchy rebuilds.",
	}, []string{"action"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		ShardRecordsWritten,
		ShardRecordsDeleted,
		ShardRejected,
		RouterBatchRecords,
		RouterShardErrors,
		RouterStagedBytes,
		ReadSegments,
		ReadHoles,
		ReadIncomplete,
		HierarchyStaleEdges,
		HierarchyRepairs,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
