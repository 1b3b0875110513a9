package quiver

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics. Implement it to integrate
// with monitoring systems; see promexp for a Prometheus adapter.
type MetricsCollector interface {
	// RecordBuild is called after each index build (including delta builds
	// and merges). rows is the number of indexed rows.
	RecordBuild(rows int, duration time.Duration, err error)

	// RecordSearch is called after each search with the requested k.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordOptimize is called after each optimize pass. builds is the
	// number of new generations published.
	RecordOptimize(builds int, duration time.Duration, err error)

	// RecordCache is called with cumulative cache hit/miss counters after
	// operations that touch the cache. Counters are relaxed and may lag
	// under concurrent background population.
	RecordCache(hits, misses uint64)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordBuild(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordOptimize(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordCache(uint64, uint64)               {}

// BasicMetricsCollector provides simple in-memory metrics collection,
// useful for debugging without external dependencies.
type BasicMetricsCollector struct {
	BuildCount       atomic.Int64
	BuildErrors      atomic.Int64
	BuildRows        atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	OptimizeCount    atomic.Int64
	OptimizeErrors   atomic.Int64
	OptimizeBuilds   atomic.Int64
	CacheHits        atomic.Uint64
	CacheMisses      atomic.Uint64
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(rows int, _ time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildRows.Add(int64(rows))
	if err != nil {
		b.BuildErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordOptimize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOptimize(builds int, _ time.Duration, err error) {
	b.OptimizeCount.Add(1)
	b.OptimizeBuilds.Add(int64(builds))
	if err != nil {
		b.OptimizeErrors.Add(1)
	}
}

// RecordCache implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCache(hits, misses uint64) {
	b.CacheHits.Store(hits)
	b.CacheMisses.Store(misses)
}

// GetStats returns a snapshot of the current counters.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		BuildCount:     b.BuildCount.Load(),
		BuildErrors:    b.BuildErrors.Load(),
		BuildRows:      b.BuildRows.Load(),
		SearchCount:    b.SearchCount.Load(),
		SearchErrors:   b.SearchErrors.Load(),
		SearchAvgNanos: b.avgSearchNanos(),
		OptimizeCount:  b.OptimizeCount.Load(),
		OptimizeErrors: b.OptimizeErrors.Load(),
		OptimizeBuilds: b.OptimizeBuilds.Load(),
		CacheHits:      b.CacheHits.Load(),
		CacheMisses:    b.CacheMisses.Load(),
	}
}

func (b *BasicMetricsCollector) avgSearchNanos() int64 {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return b.SearchTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	BuildCount     int64
	BuildErrors    int64
	BuildRows      int64
	SearchCount    int64
	SearchErrors   int64
	SearchAvgNanos int64
	OptimizeCount  int64
	OptimizeErrors int64
	OptimizeBuilds int64
	CacheHits      uint64
	CacheMisses    uint64
}
