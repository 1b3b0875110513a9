// Package integration exercises the engine end to end against on-disk
// artifacts: build, mmap-backed reads, recall against brute force, delta
// optimize, retrain and catalog reopen.
package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/dataset/memds"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/testutil"
)

const dim = 32

func newLocalEngine(t *testing.T, store dataset.Store) *quiver.Engine {
	t.Helper()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	eng, err := quiver.New(store, blobs)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestRecallAcrossIndexTypes(t *testing.T) {
	rng := testutil.NewRNG(42)
	vectors := rng.ClusteredVectors(2_000, dim, 16, 1.0)

	store := memds.New(dataset.Column{Name: "vec", Dim: dim, ElementType: dataset.Float32})
	store.Append(vectors)

	cases := []struct {
		name      string
		typ       index.Type
		subIndex  index.SubIndexParams
		refine    int
		minRecall float64
	}{
		{name: "ivf_flat", typ: index.IVFFlat, minRecall: 0.95},
		{name: "ivf_sq", typ: index.IVFSQ, refine: 4, minRecall: 0.9},
		{name: "ivf_pq", typ: index.IVFPQ, subIndex: index.SubIndexParams{NumSubVectors: 8}, refine: 4, minRecall: 0.8},
		{name: "ivf_hnsw_flat", typ: index.IVFHNSWFlat, subIndex: index.SubIndexParams{M: 16, EFConstruction: 200}, minRecall: 0.9},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := newLocalEngine(t, store)
			ctx := context.Background()

			_, err := eng.CreateIndex(ctx, "vec_idx", "vec", tc.typ, func(o *quiver.CreateIndexOptions) {
				o.NumPartitions = 16
				o.SubIndex = tc.subIndex
				o.Seed = 7
			})
			require.NoError(t, err)

			const k = 10
			recall := 0.0
			queries := 20
			for q := 0; q < queries; q++ {
				query := vectors[q*37]
				want, err := testutil.BruteForce(query, vectors, k, distance.MetricL2)
				require.NoError(t, err)

				results, err := eng.Search("vec", query).
					KNN(k).Nprobes(16).RefineFactor(tc.refine).Execute(ctx)
				require.NoError(t, err)
				require.Len(t, results, k)

				got := make([]int, len(results))
				for i, r := range results {
					got[i] = int(dataset.OffsetOf(r.RowID))
				}
				recall += testutil.Recall(got, want)
			}
			recall /= float64(queries)
			assert.GreaterOrEqual(t, recall, tc.minRecall, "avg recall@%d", k)
		})
	}
}

func TestLocalArtifactLifecycle(t *testing.T) {
	rng := testutil.NewRNG(7)
	store := memds.New(dataset.Column{Name: "vec", Dim: dim, ElementType: dataset.Float32})
	store.Append(rng.ClusteredVectors(500, dim, 8, 1.0))

	dir := t.TempDir()
	blobs, err := blobstore.NewLocalStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	eng, err := quiver.New(store, blobs)
	require.NoError(t, err)
	meta, err := eng.CreateIndex(ctx, "vec_idx", "vec", index.IVFSQ, func(o *quiver.CreateIndexOptions) {
		o.NumPartitions = 8
		o.Seed = 7
	})
	require.NoError(t, err)

	// Grow the dataset, build a delta, then retrain.
	store.Append(rng.ClusteredVectors(100, dim, 8, 1.0))
	require.NoError(t, eng.OptimizeIndices(ctx, func(o *quiver.OptimizeOptions) {
		o.NumIndicesToMerge = quiver.KeepDeltas
	}))
	retrained, err := eng.Retrain(ctx, "vec_idx")
	require.NoError(t, err)
	assert.NotEqual(t, meta.UUID, retrained.UUID)
	require.NoError(t, eng.ValidateIndex(ctx, "vec_idx"))
	require.NoError(t, eng.Close())

	// A fresh engine over the same directory reopens the catalog and the
	// retrained generation only.
	reopened, err := quiver.New(store, blobs)
	require.NoError(t, err)
	defer reopened.Close()

	infos := reopened.ListIndices()
	require.Len(t, infos, 1)
	assert.Equal(t, retrained.UUID, infos[0].UUID)
	assert.Zero(t, infos[0].Deltas)

	stats, err := reopened.IndexStats(ctx, "vec_idx")
	require.NoError(t, err)
	assert.Equal(t, 600, stats.NumIndexedRows)
	assert.Zero(t, stats.NumUnindexedRows)

	results, err := reopened.Search("vec", store.MustVector(3)).KNN(5).Nprobes(8).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, uint64(3), results[0].RowID)
}

func TestMultiVectorColumn(t *testing.T) {
	rng := testutil.NewRNG(11)
	store := memds.New(dataset.Column{Name: "vec", Dim: dim, ElementType: dataset.Float32, Multi: true})

	rows := make([][][]float32, 100)
	for i := range rows {
		// Two sub-vectors per row from different clusters.
		rows[i] = rng.ClusteredVectors(2, dim, 4, 0.5)
	}
	store.AppendMulti(rows)

	eng := newLocalEngine(t, store)
	ctx := context.Background()
	_, err := eng.CreateIndex(ctx, "vec_idx", "vec", index.IVFFlat, func(o *quiver.CreateIndexOptions) {
		o.NumPartitions = 4
		o.Seed = 7
	})
	require.NoError(t, err)

	query := rows[5][0]
	single, err := eng.Search("vec", query).KNN(5).Nprobes(4).Execute(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, single)
	assert.Equal(t, uint64(5), single[0].RowID)

	double, err := eng.MultiSearch("vec", [][]float32{query, query}).KNN(5).Nprobes(4).Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, len(single), len(double))
	for i := range single {
		assert.Equal(t, single[i].RowID, double[i].RowID)
		assert.InDelta(t, 2*single[i].Distance, double[i].Distance, 1e-4)
	}
}
