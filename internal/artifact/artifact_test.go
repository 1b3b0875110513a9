package artifact

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/quant"
)

func randVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

func buildTestArtifact(t *testing.T, fileVersion index.FileVersion) *Artifact {
	t.Helper()
	const dim = 8

	vectors := randVectors(64, dim, 7)
	sq := quant.NewScalarQuantizer(dim)
	require.NoError(t, sq.Train(vectors))

	parts := make([]index.Partition, 2)
	for i := range parts {
		parts[i].ID = i
		for j := i * 32; j < (i+1)*32; j++ {
			code, err := sq.Encode(vectors[j])
			require.NoError(t, err)
			parts[i].RowIDs = append(parts[i].RowIDs, dataset.RowID(uint64(i), uint32(j)))
			parts[i].Codes = append(parts[i].Codes, code)
		}
	}

	return &Artifact{
		Meta: &index.Metadata{
			UUID:          "0b5a8f48-1111-2222-3333-444455556666",
			Name:          "embedding_idx",
			Column:        "embedding",
			Type:          index.IVFSQ,
			Metric:        distance.MetricL2,
			NumPartitions: 2,
			Dim:           dim,
			FileVersion:   fileVersion,
			Loss:          12.5,
			Fragments:     []uint64{0, 1},
			CreatedAt:     time.Unix(1700000000, 0),
		},
		Centroids:  []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Quantizer:  sq,
		Partitions: parts,
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	for _, version := range []index.FileVersion{index.FileVersionLegacy, index.FileVersionStable} {
		t.Run(version.String(), func(t *testing.T) {
			ctx := context.Background()
			store := blobstore.NewMemoryStore()
			art := buildTestArtifact(t, version)

			require.NoError(t, Write(ctx, store, art))

			r, err := Open(ctx, store, art.Meta.UUID)
			require.NoError(t, err)
			defer r.Close()

			meta := r.Metadata()
			assert.Equal(t, art.Meta.UUID, meta.UUID)
			assert.Equal(t, art.Meta.Name, meta.Name)
			assert.Equal(t, art.Meta.Column, meta.Column)
			assert.Equal(t, art.Meta.Type, meta.Type)
			assert.Equal(t, art.Meta.Metric, meta.Metric)
			assert.Equal(t, art.Meta.Dim, meta.Dim)
			assert.Equal(t, version, meta.FileVersion)
			assert.Equal(t, art.Meta.Loss, meta.Loss)
			assert.Equal(t, art.Meta.Fragments, meta.Fragments)
			assert.True(t, art.Meta.CreatedAt.Equal(meta.CreatedAt))

			assert.Equal(t, art.Centroids, r.Centroids())
			assert.Equal(t, quant.KindSQ, r.Quantizer().Kind())
			assert.Equal(t, 2, r.NumPartitions())

			for id := 0; id < 2; id++ {
				rows, err := r.PartitionRows(id)
				require.NoError(t, err)
				assert.Equal(t, 32, rows)

				p, err := r.Partition(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, art.Partitions[id].RowIDs, p.RowIDs)
				assert.Equal(t, art.Partitions[id].Codes, p.Codes)
				assert.Nil(t, p.Graph)
			}
		})
	}
}

func TestWriteOpenGraphPartition(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	const dim = 6

	vectors := randVectors(40, dim, 11)
	graph, err := hnsw.Build(ctx, vectors, distance.MetricL2, nil)
	require.NoError(t, err)

	rowIDs := make([]uint64, len(vectors))
	for i := range rowIDs {
		rowIDs[i] = uint64(i)
	}

	art := &Artifact{
		Meta: &index.Metadata{
			UUID:          "aaaa8f48-1111-2222-3333-444455556666",
			Name:          "vec_idx",
			Column:        "vec",
			Type:          index.IVFHNSWFlat,
			Metric:        distance.MetricL2,
			NumPartitions: 1,
			Dim:           dim,
			FileVersion:   index.FileVersionStable,
			CreatedAt:     time.Now(),
		},
		Centroids:  make([]float32, dim),
		Quantizer:  quant.NewFlatQuantizer(dim, dataset.Float32),
		Partitions: []index.Partition{{ID: 0, RowIDs: rowIDs, Graph: graph}},
	}
	require.NoError(t, Write(ctx, store, art))

	r, err := Open(ctx, store, art.Meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	p, err := r.Partition(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, p.Graph)
	assert.Equal(t, len(vectors), p.Graph.Len())

	hits, err := p.Graph.Search(vectors[3], 1, 32)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.EqualValues(t, 3, hits[0].Ordinal)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(context.Background(), blobstore.NewMemoryStore(), "nope")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestPartitionOutOfRange(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	art := buildTestArtifact(t, index.FileVersionStable)
	require.NoError(t, Write(ctx, store, art))

	r, err := Open(ctx, store, art.Meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Partition(ctx, 2)
	assert.ErrorContains(t, err, "out of range")
	_, err = r.Partition(ctx, -1)
	assert.ErrorContains(t, err, "out of range")
}

func TestOpenDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	art := buildTestArtifact(t, index.FileVersionStable)
	require.NoError(t, Write(ctx, store, art))

	blob, err := store.Open(ctx, Path(art.Meta.UUID))
	require.NoError(t, err)
	data, err := blobstore.ReadAll(ctx, blob)
	require.NoError(t, err)
	require.NoError(t, blob.Close())

	// Flip one byte inside the metadata section.
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[16] ^= 0xFF
	require.NoError(t, store.Put(ctx, Path(art.Meta.UUID), corrupted))

	_, err = Open(ctx, store, art.Meta.UUID)
	assert.Error(t, err)
}
