package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	errs "github.com/johnayoung/go-market-integrity/internal/errors"
)

// ErrorStatsSource reports classified error counts, such as an errs.Classifier.
type ErrorStatsSource interface {
	GetStats() map[errs.ErrorType]errs.ErrorStats
}

// WatchErrors exposes the classifier's per-type error counts. Values are read
// from src at scrape time.
func (r *Recorder) WatchErrors(src ErrorStatsSource) {
	r.registry.MustRegister(&errorStatsCollector{
		src: src,
		total: prometheus.NewDesc(
			prometheus.BuildFQName(r.namespace, "errors", "classified_total"),
			"Errors seen by the classifier, by type.",
			[]string{"type"}, nil,
		),
		lastSeen: prometheus.NewDesc(
			prometheus.BuildFQName(r.namespace, "errors", "last_seen_timestamp_seconds"),
			"Unix time of the most recent error of each type.",
			[]string{"type"}, nil,
		),
	})
}

type errorStatsCollector struct {
	src      ErrorStatsSource
	total    *prometheus.Desc
	lastSeen *prometheus.Desc
}

func (c *errorStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.lastSeen
}

func (c *errorStatsCollector) Collect(ch chan<- prometheus.Metric) {
	for errType, stats := range c.src.GetStats() {
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(stats.Count), string(errType))
		ch <- prometheus.MustNewConstMetric(c.lastSeen, prometheus.GaugeValue, float64(stats.LastSeen.Unix()), string(errType))
	}
}
