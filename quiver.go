package quiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/cache"
	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/internal/artifact"
	"github.com/quiverdb/quiver/internal/builder"
	"github.com/quiverdb/quiver/searcher"
)

// DefaultNumPartitions is used when CreateIndex is not given a partition
// count.
const DefaultNumPartitions = 256

// Trainer is an external centroid training backend (an accelerator). Its
// output passes the same shape validation as the internal trainer.
type Trainer interface {
	TrainCentroids(ctx context.Context, vectors [][]float32, dim, k int, metric distance.Metric) ([]float32, error)
}

// Engine indexes vector columns of a dataset and serves nearest-neighbor
// queries against the resulting immutable index generations.
//
// All published state is copy-on-write at the generation level: builds,
// retrains and merges produce new UUID-named artifacts, and readers always
// observe either the old or the new generation, never a partial one.
type Engine struct {
	store   dataset.Store
	blobs   blobstore.Store
	cache   *cache.Cache
	exec    *searcher.Executor
	builder *builder.Builder

	logger   *Logger
	metrics  MetricsCollector
	warmRate float64

	mu       sync.RWMutex
	indices  map[string]*indexEntry
	building map[string]bool
	closed   bool
}

// indexEntry is the in-memory catalog state of one index name: the primary
// generation first, any unmerged delta generations after it, oldest first.
type indexEntry struct {
	column string
	gens   []*searcher.Generation
}

func (e *indexEntry) primary() *searcher.Generation { return e.gens[0] }

func (e *indexEntry) uuids() []string {
	out := make([]string, len(e.gens))
	for i, g := range e.gens {
		out[i] = g.Metadata().UUID
	}
	return out
}

// coveredFragments returns the union of fragment ids covered by all
// generations of the entry.
func (e *indexEntry) coveredFragments() map[uint64]struct{} {
	covered := make(map[uint64]struct{})
	for _, g := range e.gens {
		for _, f := range g.Metadata().Fragments {
			covered[f] = struct{}{}
		}
	}
	return covered
}

// New opens an engine over a dataset and a blob store. Indices recorded in
// the persisted catalog are reopened.
func New(store dataset.Store, blobs blobstore.Store, optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)

	e := &Engine{
		store:    store,
		blobs:    blobs,
		cache:    cache.New(o.cacheBudget),
		exec:     searcher.New(store),
		builder:  builder.New(store, blobs),
		logger:   o.logger,
		metrics:  o.metricsCollector,
		warmRate: o.warmRate,
		indices:  make(map[string]*indexEntry),
		building: make(map[string]bool),
	}
	if err := e.loadCatalog(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// Close releases all open artifact readers. The engine is unusable after
// Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for _, entry := range e.indices {
		for _, g := range entry.gens {
			if err := g.Release(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CreateIndexOptions configures CreateIndex beyond the required arguments.
type CreateIndexOptions struct {
	Metric        distance.Metric
	NumPartitions int
	SubIndex      index.SubIndexParams

	// Centroids skips centroid training; shape is validated against the
	// column dimension and partition count.
	Centroids []float32
	// Codebook supplies a pretrained PQ codebook.
	Codebook []float32
	// Accelerator replaces the internal centroid trainer.
	Accelerator Trainer

	// OnePass fuses partition assignment and encoding into one scan.
	OnePass bool
	// FileVersion selects the persisted artifact layout; defaults to the
	// stable version.
	FileVersion index.FileVersion

	// Replace drops an existing index of the same name after the new
	// generation is published. Without it, an existing name is an error.
	Replace bool

	SampleSize      int
	Seed            int64
	SkipSanityCheck bool
}

// CreateIndex builds a new index over the given column and publishes it
// under name. The build is all-or-nothing: a failure leaves no artifact and,
// with Replace, keeps the previous index fully queryable.
func (e *Engine) CreateIndex(ctx context.Context, name, column string, typ index.Type, optFns ...func(*CreateIndexOptions)) (*index.Metadata, error) {
	o := CreateIndexOptions{
		NumPartitions: DefaultNumPartitions,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if name == "" {
		return nil, validationf("index name must not be empty")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("quiver: engine is closed")
	}
	if _, exists := e.indices[name]; exists && !o.Replace {
		e.mu.Unlock()
		return nil, validationf("index %q already exists (set Replace to rebuild)", name)
	}
	if e.building[name] {
		e.mu.Unlock()
		return nil, unsupportedf("a build is already in flight for index %q", name)
	}
	e.building[name] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.building, name)
		e.mu.Unlock()
	}()

	started := time.Now()
	meta, err := e.build(ctx, builder.Params{
		Name:            name,
		Column:          column,
		Type:            typ,
		Metric:          o.Metric,
		NumPartitions:   o.NumPartitions,
		SubIndex:        o.SubIndex,
		Centroids:       o.Centroids,
		Codebook:        o.Codebook,
		Accelerator:     o.Accelerator,
		OnePass:         o.OnePass,
		FileVersion:     o.FileVersion,
		SampleSize:      o.SampleSize,
		Seed:            o.Seed,
		SkipSanityCheck: o.SkipSanityCheck,
	})

	if err != nil {
		e.logger.LogBuild(ctx, name, "", 0, time.Since(started), err)
		return nil, translateError(err)
	}
	rows := e.indexedRows(ctx, meta)

	gen, err := e.openGeneration(ctx, meta.UUID)
	if err != nil {
		return nil, translateError(err)
	}

	e.mu.Lock()
	old := e.indices[name]
	e.indices[name] = &indexEntry{column: column, gens: []*searcher.Generation{gen}}
	saveErr := e.saveCatalogLocked(ctx)
	e.mu.Unlock()
	if saveErr != nil {
		return nil, saveErr
	}
	if old != nil {
		e.retire(ctx, old.gens...)
	}

	e.logger.LogBuild(ctx, name, meta.UUID, rows, time.Since(started), nil)
	return meta, nil
}

// build runs one builder pipeline and records build metrics. Used by
// CreateIndex, delta builds and retrains alike.
func (e *Engine) build(ctx context.Context, params builder.Params) (*index.Metadata, error) {
	started := time.Now()
	meta, err := e.builder.Build(ctx, params)
	rows := 0
	if meta != nil {
		rows = e.indexedRows(ctx, meta)
	}
	e.metrics.RecordBuild(rows, time.Since(started), err)
	return meta, err
}

// openGeneration opens the artifact of a published generation through the
// shared cache.
func (e *Engine) openGeneration(ctx context.Context, uuid string) (*searcher.Generation, error) {
	reader, err := artifact.Open(ctx, e.blobs, uuid)
	if err != nil {
		return nil, err
	}
	return searcher.NewGeneration(reader, e.cache), nil
}

// retire drops the owning references of generations and removes their
// artifacts and cache entries. Used after a replace, drop or merge has
// already published the successor. A generation still held by an in-flight
// search stays readable until that search releases it.
func (e *Engine) retire(ctx context.Context, gens ...*searcher.Generation) {
	for _, g := range gens {
		uuid := g.Metadata().UUID
		if err := g.Release(); err != nil {
			e.logger.Warn("closing retired generation", "uuid", uuid, "error", err)
		}
		e.cache.DropGeneration(uuid)
		if err := e.blobs.Delete(ctx, artifact.Path(uuid)); err != nil {
			e.logger.Warn("deleting retired artifact", "uuid", uuid, "error", err)
		}
	}
}

// indexedRows counts the rows covered by a generation's fragments at build
// time, for logging and metrics only.
func (e *Engine) indexedRows(_ context.Context, meta *index.Metadata) int {
	covered := make(map[uint64]struct{}, len(meta.Fragments))
	for _, f := range meta.Fragments {
		covered[f] = struct{}{}
	}
	rows := 0
	for _, f := range e.store.Fragments() {
		if _, ok := covered[f.ID]; ok {
			rows += f.NumRows
		}
	}
	return rows
}

// entryFor returns a snapshot of the catalog entry for an index name, with a
// read reference acquired on each generation. Callers must release the
// generations when done.
func (e *Engine) entryFor(name string) (*indexEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.indices[name]
	if !ok {
		return nil, notFoundf("index %q does not exist", name)
	}
	gens := make([]*searcher.Generation, len(entry.gens))
	for i, g := range entry.gens {
		g.Acquire()
		gens[i] = g
	}
	return &indexEntry{column: entry.column, gens: gens}, nil
}

// DropIndex removes an index, its artifacts and its cache entries. The
// dataset itself is untouched; searches fall back to flat scans.
func (e *Engine) DropIndex(ctx context.Context, name string) error {
	e.mu.Lock()
	entry, ok := e.indices[name]
	if !ok {
		e.mu.Unlock()
		return notFoundf("index %q does not exist", name)
	}
	delete(e.indices, name)
	saveErr := e.saveCatalogLocked(ctx)
	e.mu.Unlock()

	e.retire(ctx, entry.gens...)
	e.logger.LogDrop(ctx, name, saveErr)
	return saveErr
}

// CacheStats returns a snapshot of the index cache counters. Counters are
// relaxed: under concurrent background population they may lag slightly.
func (e *Engine) CacheStats() cache.Stats {
	stats := e.cache.Snapshot()
	e.metrics.RecordCache(stats.Hits, stats.Misses)
	return stats
}

// PrewarmIndex loads every partition of every generation of an index into
// the cache at a paced rate.
func (e *Engine) PrewarmIndex(ctx context.Context, name string) error {
	entry, err := e.entryFor(name)
	if err != nil {
		return err
	}
	defer releaseAll(entry.gens)

	byUUID := make(map[string]*searcher.Generation, len(entry.gens))
	var keys []cache.Key
	for _, g := range entry.gens {
		meta := g.Metadata()
		byUUID[meta.UUID] = g
		for pid := 0; pid < meta.NumPartitions; pid++ {
			keys = append(keys, cache.Key{UUID: meta.UUID, Kind: cache.KindPartition, Partition: pid})
		}
	}

	warmer := cache.NewWarmer(e.cache, e.warmRate, 1)
	return warmer.Warm(ctx, keys, func(ctx context.Context, key cache.Key) (any, int64, error) {
		g := byUUID[key.UUID]
		size, err := g.Reader().PartitionByteSize(key.Partition)
		if err != nil {
			return nil, 0, err
		}
		p, err := g.Reader().Partition(ctx, key.Partition)
		if err != nil {
			return nil, 0, err
		}
		return p, size, nil
	})
}
