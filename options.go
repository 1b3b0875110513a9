package quiver

import (
	"log/slog"
)

const (
	// DefaultCacheBudget bounds the index cache at 256 MiB unless
	// overridden. A budget of 0 disables caching entirely.
	DefaultCacheBudget int64 = 256 << 20

	// DefaultWarmRate is the per-second partition load rate used by
	// PrewarmIndex.
	DefaultWarmRate = 64.0
)

type options struct {
	cacheBudget      int64
	warmRate         float64
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures Engine construction.
type Option func(*options)

// WithCacheBudget bounds the index cache to the given number of bytes.
// A budget of 0 disables caching: every partition access is a miss.
func WithCacheBudget(budget int64) Option {
	return func(o *options) {
		o.cacheBudget = budget
	}
}

// WithWarmRate sets the paced per-second partition load rate used by
// PrewarmIndex.
func WithWarmRate(perSecond float64) Option {
	return func(o *options) {
		if perSecond > 0 {
			o.warmRate = perSecond
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &quiver.BasicMetricsCollector{}
//	eng, _ := quiver.New(ds, blobs, quiver.WithMetricsCollector(metrics))
//	// ... use eng ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations. Pass nil to
// disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		cacheBudget:      DefaultCacheBudget,
		warmRate:         DefaultWarmRate,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
