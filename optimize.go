package quiver

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/internal/artifact"
	"github.com/quiverdb/quiver/internal/builder"
	"github.com/quiverdb/quiver/searcher"
)

// MergeAll folds the primary and every delta generation into a single new
// generation. It is the default merge policy.
const MergeAll = -1

// KeepDeltas leaves freshly built delta generations unmerged.
const KeepDeltas = 0

// OptimizeOptions configures one optimize pass.
type OptimizeOptions struct {
	// NumIndicesToMerge groups generations for merging: MergeAll (default)
	// produces one generation, KeepDeltas skips merging, and any m > 0
	// merges consecutive batches of m generations, oldest first.
	NumIndicesToMerge int

	// Retrain rebuilds centroids and codec from the union of all covered
	// data, producing exactly one generation that subsumes every delta.
	Retrain bool

	// IndexNames restricts the pass; nil optimizes every index.
	IndexNames []string
}

// OptimizeIndices brings indices up to date with the dataset: for every
// index whose fragment coverage is behind the live fragment set it builds a
// delta generation reusing the primary's centroids and codec, then merges
// generations per the options. Each new generation is published atomically
// under a fresh UUID; concurrent searches keep working against the
// generations they hold.
func (e *Engine) OptimizeIndices(ctx context.Context, optFns ...func(*OptimizeOptions)) error {
	o := OptimizeOptions{NumIndicesToMerge: MergeAll}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}

	names := o.IndexNames
	if names == nil {
		e.mu.RLock()
		for name := range e.indices {
			names = append(names, name)
		}
		e.mu.RUnlock()
		sort.Strings(names)
	}

	started := time.Now()
	builds := 0
	for _, name := range names {
		n, err := e.optimizeIndex(ctx, name, &o)
		builds += n
		if err != nil {
			e.metrics.RecordOptimize(builds, time.Since(started), err)
			e.logger.LogOptimize(ctx, name, 0, 0, o.Retrain, err)
			return err
		}
	}
	e.metrics.RecordOptimize(builds, time.Since(started), nil)
	return nil
}

// Retrain rebuilds one index from scratch over all live data, replacing the
// primary and any deltas with a single generation. Centroids are recomputed
// and generally differ from the previous generation's.
func (e *Engine) Retrain(ctx context.Context, name string) (*index.Metadata, error) {
	err := e.OptimizeIndices(ctx, func(o *OptimizeOptions) {
		o.Retrain = true
		o.IndexNames = []string{name}
	})
	if err != nil {
		return nil, err
	}
	entry, err := e.entryFor(name)
	if err != nil {
		return nil, err
	}
	defer releaseAll(entry.gens)
	return entry.primary().Metadata(), nil
}

// optimizeIndex runs one optimize pass for one index name and returns the
// number of generations it published.
func (e *Engine) optimizeIndex(ctx context.Context, name string, o *OptimizeOptions) (int, error) {
	e.mu.Lock()
	entry, ok := e.indices[name]
	if !ok {
		e.mu.Unlock()
		return 0, notFoundf("index %q does not exist", name)
	}
	if e.building[name] {
		e.mu.Unlock()
		return 0, unsupportedf("a build is already in flight for index %q", name)
	}
	e.building[name] = true
	column := entry.column
	// Hold the current generations readable for the whole pass; a concurrent
	// drop may retire them underneath us otherwise.
	held := append([]*searcher.Generation(nil), entry.gens...)
	for _, g := range held {
		g.Acquire()
	}
	e.mu.Unlock()
	defer releaseAll(held)
	defer func() {
		e.mu.Lock()
		delete(e.building, name)
		e.mu.Unlock()
	}()

	primaryMeta := entry.primary().Metadata()

	if o.Retrain {
		return e.retrainIndex(ctx, name, column, entry, primaryMeta)
	}

	builds := 0
	gens := append([]*searcher.Generation(nil), entry.gens...)

	// Delta build over fragments no generation covers yet.
	uncovered := e.uncoveredFragments(entry)
	if len(uncovered) > 0 {
		meta, err := e.build(ctx, builder.Params{
			Name:          name,
			Column:        column,
			Type:          primaryMeta.Type,
			Metric:        primaryMeta.Metric,
			NumPartitions: primaryMeta.NumPartitions,
			SubIndex:      primaryMeta.SubIndex,
			Fragments:     uncovered,
			// Reusing the primary's centroids and codec keeps deltas
			// directly mergeable.
			Centroids:   append([]float32(nil), entry.primary().Centroids()...),
			Quantizer:   entry.primary().Reader().Quantizer(),
			FileVersion: primaryMeta.FileVersion,
		})
		if err != nil {
			return 0, translateError(err)
		}
		delta, err := e.openGeneration(ctx, meta.UUID)
		if err != nil {
			return 0, translateError(err)
		}
		gens = append(gens, delta)
		builds++
	}

	merged, retired, n, err := e.mergeGenerations(ctx, name, column, gens, o.NumIndicesToMerge)
	if err != nil {
		return builds, err
	}
	builds += n

	e.mu.Lock()
	e.indices[name] = &indexEntry{column: column, gens: merged}
	saveErr := e.saveCatalogLocked(ctx)
	e.mu.Unlock()
	if saveErr != nil {
		return builds, saveErr
	}
	e.retire(ctx, retired...)

	e.logger.LogOptimize(ctx, name, builds, len(retired), false, nil)
	return builds, nil
}

// retrainIndex rebuilds the index over all live fragments with fresh
// centroid and codec training.
func (e *Engine) retrainIndex(ctx context.Context, name, column string, entry *indexEntry, primaryMeta *index.Metadata) (int, error) {
	meta, err := e.build(ctx, builder.Params{
		Name:          name,
		Column:        column,
		Type:          primaryMeta.Type,
		Metric:        primaryMeta.Metric,
		NumPartitions: primaryMeta.NumPartitions,
		SubIndex:      primaryMeta.SubIndex,
		FileVersion:   primaryMeta.FileVersion,
	})
	if err != nil {
		return 0, translateError(err)
	}
	gen, err := e.openGeneration(ctx, meta.UUID)
	if err != nil {
		return 0, translateError(err)
	}

	e.mu.Lock()
	var old []*searcher.Generation
	if prev, ok := e.indices[name]; ok {
		old = prev.gens
	}
	e.indices[name] = &indexEntry{column: column, gens: []*searcher.Generation{gen}}
	saveErr := e.saveCatalogLocked(ctx)
	e.mu.Unlock()
	if saveErr != nil {
		return 1, saveErr
	}
	e.retire(ctx, old...)
	e.logger.LogOptimize(ctx, name, 1, len(old), true, nil)
	return 1, nil
}

// uncoveredFragments returns live fragment ids no generation covers.
func (e *Engine) uncoveredFragments(entry *indexEntry) []uint64 {
	covered := entry.coveredFragments()
	var out []uint64
	for _, f := range e.store.Fragments() {
		if _, ok := covered[f.ID]; !ok {
			out = append(out, f.ID)
		}
	}
	return out
}

// mergeGenerations folds generations into batches of the given size and
// returns the surviving generation list, the generations to retire, and the
// number of new generations written. Sharing centroids and codec across
// generations is what makes the merge a cheap partition-wise concatenation;
// graph partitions are rebuilt instead, still under the shared centroids.
func (e *Engine) mergeGenerations(ctx context.Context, name, column string, gens []*searcher.Generation, numToMerge int) ([]*searcher.Generation, []*searcher.Generation, int, error) {
	if numToMerge == KeepDeltas || len(gens) < 2 {
		return gens, nil, 0, nil
	}

	batch := len(gens)
	if numToMerge > 0 {
		batch = numToMerge
	}

	var out []*searcher.Generation
	var retired []*searcher.Generation
	builds := 0
	for start := 0; start < len(gens); start += batch {
		end := start + batch
		if end > len(gens) {
			end = len(gens)
		}
		group := gens[start:end]
		if len(group) < 2 {
			out = append(out, group...)
			continue
		}
		merged, err := e.mergeGroup(ctx, name, column, group)
		if err != nil {
			return gens, nil, builds, err
		}
		out = append(out, merged)
		retired = append(retired, group...)
		builds++
	}
	return out, retired, builds, nil
}

// mergeGroup writes one generation subsuming the group. All group members
// share centroids and codec by construction.
func (e *Engine) mergeGroup(ctx context.Context, name, column string, group []*searcher.Generation) (*searcher.Generation, error) {
	head := group[0]
	headMeta := head.Metadata()

	fragSet := make(map[uint64]struct{})
	for _, g := range group {
		for _, f := range g.Metadata().Fragments {
			fragSet[f] = struct{}{}
		}
	}
	fragments := make([]uint64, 0, len(fragSet))
	for f := range fragSet {
		fragments = append(fragments, f)
	}
	sort.Slice(fragments, func(i, j int) bool { return fragments[i] < fragments[j] })

	if headMeta.Type.UsesGraph() {
		// Graphs cannot be concatenated; rebuild the partitions over the
		// union, keeping the shared centroids and codec.
		meta, err := e.build(ctx, builder.Params{
			Name:          name,
			Column:        column,
			Type:          headMeta.Type,
			Metric:        headMeta.Metric,
			NumPartitions: headMeta.NumPartitions,
			SubIndex:      headMeta.SubIndex,
			Fragments:     fragments,
			Centroids:     append([]float32(nil), head.Centroids()...),
			Quantizer:     head.Reader().Quantizer(),
			FileVersion:   headMeta.FileVersion,
		})
		if err != nil {
			return nil, translateError(err)
		}
		return e.openGeneration(ctx, meta.UUID)
	}

	partitions := make([]index.Partition, headMeta.NumPartitions)
	for pid := range partitions {
		partitions[pid].ID = pid
		for _, g := range group {
			p, err := g.Partition(ctx, pid)
			if err != nil {
				return nil, translateError(err)
			}
			partitions[pid].RowIDs = append(partitions[pid].RowIDs, p.RowIDs...)
			partitions[pid].Codes = append(partitions[pid].Codes, p.Codes...)
		}
	}

	meta := &index.Metadata{
		UUID:          uuid.NewString(),
		Name:          name,
		Column:        column,
		Type:          headMeta.Type,
		Metric:        headMeta.Metric,
		NumPartitions: headMeta.NumPartitions,
		Dim:           headMeta.Dim,
		Multi:         headMeta.Multi,
		SubIndex:      headMeta.SubIndex,
		FileVersion:   headMeta.FileVersion,
		Loss:          headMeta.Loss,
		Fragments:     fragments,
		CreatedAt:     time.Now().UTC(),
	}
	err := artifact.Write(ctx, e.blobs, &artifact.Artifact{
		Meta:       meta,
		Centroids:  append([]float32(nil), head.Centroids()...),
		Quantizer:  head.Reader().Quantizer(),
		Partitions: partitions,
	})
	if err != nil {
		return nil, translateError(err)
	}
	return e.openGeneration(ctx, meta.UUID)
}
