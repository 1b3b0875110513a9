package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(uuid string, part int) Key {
	return Key{UUID: uuid, Kind: KindPartition, Partition: part}
}

func TestZeroBudgetNeverHits(t *testing.T) {
	c := New(0)
	c.Put(key("u", 0), "v", 1)

	for i := 0; i < 10; i++ {
		_, ok := c.Get(key("u", 0))
		assert.False(t, ok)
	}
	assert.Equal(t, 0.0, c.HitRate())

	stats := c.Snapshot()
	assert.EqualValues(t, 0, stats.Hits)
	assert.EqualValues(t, 10, stats.Misses)
	assert.Equal(t, 0, stats.Entries)
}

func TestHitRateConvergesUnderReuse(t *testing.T) {
	c := New(1 << 20)

	load := func(ctx context.Context) (any, int64, error) {
		return "partition", 100, nil
	}

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, err := c.GetOrLoad(ctx, key("u", i%5), load)
		require.NoError(t, err)
	}
	// 5 cold misses, 95 hits.
	assert.Greater(t, c.HitRate(), 0.8)
}

func TestEvictionHonorsBudget(t *testing.T) {
	c := New(250)

	for i := 0; i < 10; i++ {
		c.Put(key("u", i), i, 100)
	}

	stats := c.Snapshot()
	assert.LessOrEqual(t, stats.SizeBytes, int64(250))
	assert.Equal(t, 2, stats.Entries)

	// The most recently inserted entries survive.
	_, ok := c.Get(key("u", 9))
	assert.True(t, ok)
	_, ok = c.Get(key("u", 8))
	assert.True(t, ok)
	_, ok = c.Get(key("u", 0))
	assert.False(t, ok)
}

func TestGetRefreshesRecency(t *testing.T) {
	c := New(200)
	c.Put(key("u", 0), "a", 100)
	c.Put(key("u", 1), "b", 100)

	_, ok := c.Get(key("u", 0))
	require.True(t, ok)

	// Inserting a third entry evicts the least recently used, which is
	// now partition 1.
	c.Put(key("u", 2), "c", 100)
	_, ok = c.Get(key("u", 0))
	assert.True(t, ok)
	_, ok = c.Get(key("u", 1))
	assert.False(t, ok)
}

func TestOversizedValueNotCached(t *testing.T) {
	c := New(100)
	c.Put(key("u", 0), "big", 101)
	assert.Equal(t, 0, c.Snapshot().Entries)
}

func TestGetOrLoadDeduplicatesConcurrentLoads(t *testing.T) {
	c := New(1 << 20)

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) (any, int64, error) {
		loads.Add(1)
		<-release
		return "v", 10, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), key("u", 0), load)
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, loads.Load())
}

func TestGetOrLoadPropagatesError(t *testing.T) {
	c := New(1 << 20)
	_, err := c.GetOrLoad(context.Background(), key("u", 0), func(ctx context.Context) (any, int64, error) {
		return nil, 0, fmt.Errorf("boom")
	})
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 0, c.Snapshot().Entries)
}

func TestDropGeneration(t *testing.T) {
	c := New(1 << 20)
	c.Put(key("old", 0), "a", 10)
	c.Put(key("old", 1), "b", 10)
	c.Put(key("new", 0), "c", 10)

	c.DropGeneration("old")

	_, ok := c.Get(key("old", 0))
	assert.False(t, ok)
	_, ok = c.Get(key("new", 0))
	assert.True(t, ok)
	assert.EqualValues(t, 10, c.Snapshot().SizeBytes)
}

func TestWarmerLoadsAllKeys(t *testing.T) {
	c := New(1 << 20)
	w := NewWarmer(c, 10000, 100)

	keys := make([]Key, 20)
	for i := range keys {
		keys[i] = key("u", i)
	}

	var loads atomic.Int32
	err := w.Warm(context.Background(), keys, func(ctx context.Context, k Key) (any, int64, error) {
		loads.Add(1)
		return k.Partition, 8, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 20, loads.Load())

	for _, k := range keys {
		_, ok := c.Get(k)
		assert.True(t, ok)
	}
}

func TestWarmerStopsOnCancel(t *testing.T) {
	c := New(1 << 20)
	// One token per minute: the second key must wait and observe the cancel.
	w := NewWarmer(c, 1.0/60, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Warm(ctx, []Key{key("u", 0), key("u", 1)}, func(ctx context.Context, k Key) (any, int64, error) {
			return k.Partition, 8, nil
		})
	}()
	cancel()
	assert.Error(t, <-done)
}
