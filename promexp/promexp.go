// Package promexp exposes quiver engine metrics to Prometheus via the
// quiver.MetricsCollector interface.
//
// Usage:
//
//	collector := promexp.New("quiver")
//	collector.MustRegister(prometheus.DefaultRegisterer)
//	eng, _ := quiver.New(ds, blobs, quiver.WithMetricsCollector(collector))
package promexp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements quiver.MetricsCollector backed by Prometheus
// counters, histograms and gauges.
type Collector struct {
	builds         *prometheus.CounterVec
	buildRows      prometheus.Counter
	searches       *prometheus.CounterVec
	searchDuration prometheus.Histogram
	optimizes      *prometheus.CounterVec
	cacheHits      prometheus.Gauge
	cacheMisses    prometheus.Gauge
}

// New creates a collector; all metrics live under the given namespace.
func New(namespace string) *Collector {
	return &Collector{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_builds_total",
			Help:      "Total index builds, including delta builds and merges",
		}, []string{"status"}),
		buildRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_rows_total",
			Help:      "Total rows indexed across all builds",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total search requests",
		}, []string{"status"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search request duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		optimizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimize_passes_total",
			Help:      "Total optimize passes",
		}, []string{"status"}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_cache_hits",
			Help:      "Cumulative index cache hits",
		}),
		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_cache_misses",
			Help:      "Cumulative index cache misses",
		}),
	}
}

// MustRegister registers all metrics with the registerer, panicking on
// duplicate registration.
func (c *Collector) MustRegister(r prometheus.Registerer) {
	r.MustRegister(c.builds, c.buildRows, c.searches, c.searchDuration,
		c.optimizes, c.cacheHits, c.cacheMisses)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordBuild implements quiver.MetricsCollector.
func (c *Collector) RecordBuild(rows int, _ time.Duration, err error) {
	c.builds.WithLabelValues(status(err)).Inc()
	if err == nil {
		c.buildRows.Add(float64(rows))
	}
}

// RecordSearch implements quiver.MetricsCollector.
func (c *Collector) RecordSearch(_ int, duration time.Duration, err error) {
	c.searches.WithLabelValues(status(err)).Inc()
	if err == nil {
		c.searchDuration.Observe(duration.Seconds())
	}
}

// RecordOptimize implements quiver.MetricsCollector.
func (c *Collector) RecordOptimize(_ int, _ time.Duration, err error) {
	c.optimizes.WithLabelValues(status(err)).Inc()
}

// RecordCache implements quiver.MetricsCollector.
func (c *Collector) RecordCache(hits, misses uint64) {
	c.cacheHits.Set(float64(hits))
	c.cacheMisses.Set(float64(misses))
}
