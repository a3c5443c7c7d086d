// Package metrics exposes Prometheus instruments for ingestion, validation
// and universe resolution. A Recorder implements the observer interfaces of
// those packages so they never import Prometheus themselves.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnayoung/go-market-integrity/internal/ingestion"
	"github.com/johnayoung/go-market-integrity/internal/models"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "market_integrity"

// Cache lookup outcomes.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Recorder owns a registry and the instruments registered on it.
type Recorder struct {
	registry  *prometheus.Registry
	namespace string

	ingestionRuns     *prometheus.CounterVec
	candlesFetched    *prometheus.CounterVec
	candlesStored     *prometheus.CounterVec
	candlesRejected   *prometheus.CounterVec
	gapsDetected      *prometheus.CounterVec
	missingCandles    *prometheus.CounterVec
	ingestionDuration *prometheus.HistogramVec

	validationRuns  *prometheus.CounterVec
	validationScore *prometheus.HistogramVec

	snapshotLookups *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	snapshotsPurged prometheus.Counter
}

// NewRecorder registers every instrument on reg. A nil reg gets a fresh
// registry carrying the Go and process collectors.
func NewRecorder(namespace string, reg *prometheus.Registry) *Recorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	r := &Recorder{
		registry:  reg,
		namespace: namespace,
		ingestionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingestion", Name: "runs_total",
			Help: "Symbol ingestions by timeframe and outcome.",
		}, []string{"timeframe", "status"}),
		candlesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingestion", Name: "candles_fetched_total",
			Help: "Raw bars returned by the provider.",
		}, []string{"timeframe"}),
		candlesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingestion", Name: "candles_stored_total",
			Help: "Candles written to storage.",
		}, []string{"timeframe"}),
		candlesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingestion", Name: "candles_rejected_total",
			Help: "Bars dropped because they failed candle validation.",
		}, []string{"timeframe"}),
		gapsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingestion", Name: "gaps_detected_total",
			Help: "Gaps found by ingestion gap scans.",
		}, []string{"timeframe"}),
		missingCandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingestion", Name: "missing_candles_total",
			Help: "Candles missing inside detected gaps.",
		}, []string{"timeframe"}),
		ingestionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingestion", Name: "duration_seconds",
			Help:    "Wall time of one symbol ingestion.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"timeframe"}),
		validationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validation", Name: "runs_total",
			Help: "Validation runs by timeframe and verdict.",
		}, []string{"timeframe", "valid"}),
		validationScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "validation", Name: "quality_score",
			Help:    "Quality score of validated series.",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100},
		}, []string{"timeframe"}),
		snapshotLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "universe", Name: "snapshot_lookups_total",
			Help: "Universe resolutions answered from a snapshot (hit) or recomputed (miss).",
		}, []string{"index_id", "result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "snapshot_lookups_total",
			Help: "Redis snapshot cache lookups by result.",
		}, []string{"result"}),
		snapshotsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "universe", Name: "snapshots_purged_total",
			Help: "Expired snapshots deleted.",
		}),
	}

	reg.MustRegister(
		r.ingestionRuns, r.candlesFetched, r.candlesStored, r.candlesRejected,
		r.gapsDetected, r.missingCandles, r.ingestionDuration,
		r.validationRuns, r.validationScore,
		r.snapshotLookups, r.cacheLookups, r.snapshotsPurged,
	)
	return r
}

// Registry returns the registry the recorder writes to.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveIngestion records one finished symbol ingestion.
func (r *Recorder) ObserveIngestion(res *ingestion.Result) {
	if res == nil {
		return
	}
	tf := string(res.Timeframe)
	status := "ok"
	if !res.OK() {
		status = "error"
	}
	r.ingestionRuns.WithLabelValues(tf, status).Inc()
	r.candlesFetched.WithLabelValues(tf).Add(float64(res.CandlesFetched))
	r.candlesStored.WithLabelValues(tf).Add(float64(res.CandlesStored))
	r.candlesRejected.WithLabelValues(tf).Add(float64(res.Rejected))
	if res.Gaps != nil {
		r.gapsDetected.WithLabelValues(tf).Add(float64(len(res.Gaps.Gaps)))
		r.missingCandles.WithLabelValues(tf).Add(float64(res.Gaps.TotalMissingCandles))
	}
	r.ingestionDuration.WithLabelValues(tf).Observe(res.Duration.Seconds())
}

// ObserveValidation records one validation run.
func (r *Recorder) ObserveValidation(_ string, tf models.Timeframe, score float64, valid bool) {
	r.validationRuns.WithLabelValues(string(tf), strconv.FormatBool(valid)).Inc()
	r.validationScore.WithLabelValues(string(tf)).Observe(score)
}

// ObserveSnapshotLookup records whether a resolution was served from a snapshot.
func (r *Recorder) ObserveSnapshotLookup(indexID string, hit bool) {
	result := CacheMiss
	if hit {
		result = CacheHit
	}
	r.snapshotLookups.WithLabelValues(indexID, result).Inc()
}

// ObserveCacheLookup records a Redis snapshot cache outcome.
func (r *Recorder) ObserveCacheLookup(result string) {
	r.cacheLookups.WithLabelValues(result).Inc()
}

// ObservePurge adds n purged snapshots.
func (r *Recorder) ObservePurge(n int64) {
	if n > 0 {
		r.snapshotsPurged.Add(float64(n))
	}
}
