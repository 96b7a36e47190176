// Package metrics declares the pipeline's Prometheus instruments. They are
// registered on the default registry and served by refreshd at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entityLabels = []string{"entity"}

var (
	RecordsPulled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_records_pulled_total",
		Help: "raw records pulled from the source CRM",
	}, entityLabels)

	RowsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_rows_upserted_total",
		Help: "warehouse rows inserted or updated",
	}, entityLabels)

	RowsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_rows_skipped_total",
		Help: "rows skipped for per-record data errors",
	}, entityLabels)

	SourceDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_source_duplicates_total",
		Help: "duplicate conflict keys observed within a single source pull",
	}, entityLabels)

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_batch_upsert_duration_seconds",
		Help:    "wall time per dispatched upsert batch",
		Buckets: prometheus.DefBuckets,
	}, entityLabels)

	CRMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_crm_request_duration_seconds",
		Help:    "source CRM request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"object"})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_runs_total",
		Help: "pipeline invocations by type and terminal status",
	}, []string{"type", "status"})

	RefreshInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_refreshes_in_progress",
		Help: "single-establishment refreshes currently running",
	})
)
