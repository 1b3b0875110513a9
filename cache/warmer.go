package cache

import (
	"context"

	"golang.org/x/time/rate"
)

// Warmer preloads cache entries at a bounded rate so warming a freshly
// created index does not starve foreground queries of IO.
type Warmer struct {
	cache   *Cache
	limiter *rate.Limiter
}

// NewWarmer creates a warmer that loads at most perSecond entries per
// second with the given burst.
func NewWarmer(c *Cache, perSecond float64, burst int) *Warmer {
	return &Warmer{
		cache:   c,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Warm loads each key through the cache, pacing with the rate limiter.
// It stops at the first load error or context cancellation.
func (w *Warmer) Warm(ctx context.Context, keys []Key, load func(ctx context.Context, key Key) (any, int64, error)) error {
	for _, key := range keys {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		k := key
		if _, err := w.cache.GetOrLoad(ctx, k, func(ctx context.Context) (any, int64, error) {
			return load(ctx, k)
		}); err != nil {
			return err
		}
	}
	return nil
}
