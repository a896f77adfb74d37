package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EmbedBatchesTotal counts embedding requests issued by collections.
	EmbedBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "vectorstore",
			Name:      "embed_batches_total",
			Help:      "Total number of embedding batches sent to the embedder",
		},
	)

	// UpsertedRecordsTotal counts records written to collections.
	UpsertedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "vectorstore",
			Name:      "upserted_records_total",
			Help:      "Total number of records upserted into vector collections",
		},
	)

	// QueryDuration tracks collection query latency.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corpusd",
			Subsystem: "vectorstore",
			Name:      "query_duration_seconds",
			Help:      "Duration of vector collection queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// OperationErrors counts failed collection operations.
	// Labels: op (upsert, query, embed)
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "vectorstore",
			Name:      "operation_errors_total",
			Help:      "Total number of failed vector collection operations",
		},
		[]string{"op"},
	)
)
