package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tracequery"

// Metrics holds the Prometheus collectors of the query engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	QueriesTotal   *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	RowsFetched    prometheus.Counter
	CompoundTotal  *prometheus.CounterVec
	CacheHits      *prometheus.CounterVec
	RowsEmitted    prometheus.Counter
	MergedRows     *prometheus.GaugeVec
	PoolOpen       prometheus.Gauge
	ExportsTotal   *prometheus.CounterVec
	ExportBytes    prometheus.Counter
	SourceFetches  *prometheus.CounterVec
	FilterFailures *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sql_queries_total",
			Help:      "Per-track SQL statements executed, by outcome.",
		}, []string{"status"}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sql_query_duration_seconds",
			Help:      "Time spent executing one per-track SQL statement.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		RowsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_fetched_total",
			Help:      "Rows read from trace databases.",
		}),
		CompoundTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compound_queries_total",
			Help:      "Compound queries executed, by bucket and outcome.",
		}, []string{"bucket", "status"}),
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Reuse of cached processor state, by stage.",
		}, []string{"stage"}),
		RowsEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_emitted_total",
			Help:      "Result rows handed to row builders.",
		}),
		MergedRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "merged_rows",
			Help:      "Rows held in the merged table of each bucket.",
		}, []string{"bucket"}),
		PoolOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_open_connections",
			Help:      "Open trace database handles.",
		}),
		ExportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "CSV exports, by outcome.",
		}, []string{"status"}),
		ExportBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_bytes_total",
			Help:      "Bytes written by CSV exports.",
		}),
		SourceFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Trace database resolutions, by result.",
		}, []string{"result"}),
		FilterFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_failures_total",
			Help:      "Filter or group text that could not be applied, by stage.",
		}, []string{"stage"}),
	}
}

// ObserveQuery records one finished SQL statement.
func (m *Metrics) ObserveQuery(status string, rows uint64, took time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(status).Inc()
	m.QueryDuration.Observe(took.Seconds())
	m.RowsFetched.Add(float64(rows))
}

// ObserveCompound records one compound query execution.
func (m *Metrics) ObserveCompound(bucket, status string, mergedRows int) {
	if m == nil {
		return
	}
	m.CompoundTotal.WithLabelValues(bucket, status).Inc()
	m.MergedRows.WithLabelValues(bucket).Set(float64(mergedRows))
}

// CacheHit records reuse of cached state for stage.
func (m *Metrics) CacheHit(stage string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(stage).Inc()
}

// Emitted records rows handed to a row builder.
func (m *Metrics) Emitted(rows int) {
	if m == nil {
		return
	}
	m.RowsEmitted.Add(float64(rows))
}

// SetPoolOpen reports the number of open connections.
func (m *Metrics) SetPoolOpen(n int) {
	if m == nil {
		return
	}
	m.PoolOpen.Set(float64(n))
}

// ObserveExport records one export.
func (m *Metrics) ObserveExport(status string, bytes int64) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(status).Inc()
	m.ExportBytes.Add(float64(bytes))
}

// SourceFetch records a trace database resolution: "hit", "download" or
// "error".
func (m *Metrics) SourceFetch(result string) {
	if m == nil {
		return
	}
	m.SourceFetches.WithLabelValues(result).Inc()
}

// FilterFailure records filter or group text that was disabled.
func (m *Metrics) FilterFailure(stage string) {
	if m == nil {
		return
	}
	m.FilterFailures.WithLabelValues(stage).Inc()
}
