package searcher

import (
	"context"
	"sync/atomic"

	"github.com/quiverdb/quiver/cache"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/internal/artifact"
)

// Generation is one queryable index generation: an open artifact reader
// whose partition loads go through the shared index cache.
//
// Generations are reference counted. The owner holds the initial reference;
// every in-flight read acquires another. The reader is closed (and its
// mapping released) only when the last reference is dropped, so retiring a
// generation never unmaps memory a concurrent search is still scanning.
type Generation struct {
	reader *artifact.Reader
	cache  *cache.Cache
	refs   atomic.Int64
}

// NewGeneration wraps an open artifact reader. c may be nil, which disables
// partition caching for this generation.
func NewGeneration(reader *artifact.Reader, c *cache.Cache) *Generation {
	g := &Generation{reader: reader, cache: c}
	g.refs.Store(1)
	return g
}

// Acquire takes a reference for an in-flight read. Every Acquire must be
// paired with a Release.
func (g *Generation) Acquire() { g.refs.Add(1) }

// Release drops a reference. The last release closes the artifact reader.
func (g *Generation) Release() error {
	if g.refs.Add(-1) == 0 {
		return g.reader.Close()
	}
	return nil
}

// Metadata returns the generation's immutable metadata.
func (g *Generation) Metadata() *index.Metadata { return g.reader.Metadata() }

// Centroids returns the flat centroid matrix.
func (g *Generation) Centroids() []float32 { return g.reader.Centroids() }

// Reader exposes the underlying artifact reader for introspection paths.
func (g *Generation) Reader() *artifact.Reader { return g.reader }

// Partition loads one partition, consulting the cache first.
func (g *Generation) Partition(ctx context.Context, id int) (*index.Partition, error) {
	if g.cache == nil {
		return g.reader.Partition(ctx, id)
	}

	key := cache.Key{UUID: g.Metadata().UUID, Kind: cache.KindPartition, Partition: id}
	v, err := g.cache.GetOrLoad(ctx, key, func(ctx context.Context) (any, int64, error) {
		p, err := g.reader.Partition(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		size, err := g.reader.PartitionByteSize(id)
		if err != nil {
			return nil, 0, err
		}
		return p, size, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*index.Partition), nil
}
