package builder

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/dataset/memds"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/internal/artifact"
	"github.com/quiverdb/quiver/quant"
	"github.com/quiverdb/quiver/searcher"
)

func clusteredStore(t *testing.T, dim, perCluster int) *memds.Store {
	t.Helper()
	store := memds.New(dataset.Column{Name: "vec", Dim: dim, ElementType: dataset.Float32})

	rng := rand.New(rand.NewSource(42))
	var rows [][]float32
	for c := 0; c < 4; c++ {
		for i := 0; i < perCluster; i++ {
			v := make([]float32, dim)
			for d := range v {
				v[d] = float32(c*10) + rng.Float32()
			}
			rows = append(rows, v)
		}
	}
	store.Append(rows)
	return store
}

func baseParams() Params {
	return Params{
		Name:          "vec_idx",
		Column:        "vec",
		Type:          index.IVFFlat,
		Metric:        distance.MetricL2,
		NumPartitions: 4,
		Seed:          1,
	}
}

func TestBuildWalksStagesInOrder(t *testing.T) {
	store := clusteredStore(t, 4, 16)
	blobs := blobstore.NewMemoryStore()

	var stages []Stage
	params := baseParams()
	params.OnStage = func(s Stage) { stages = append(stages, s) }

	meta, err := New(store, blobs).Build(context.Background(), params)
	require.NoError(t, err)
	require.NotEmpty(t, meta.UUID)

	assert.Equal(t, []Stage{
		StageSampling,
		StageTrainingCentroids,
		StageAssigningPartitions,
		StageTrainingCodec,
		StageEncoding,
		StageWritingArtifact,
		StageDone,
	}, stages)
}

func TestBuildPartitionSizesSumToIndexedRows(t *testing.T) {
	store := clusteredStore(t, 4, 16)
	blobs := blobstore.NewMemoryStore()

	meta, err := New(store, blobs).Build(context.Background(), baseParams())
	require.NoError(t, err)

	r, err := artifact.Open(context.Background(), blobs, meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	total := 0
	for pid := 0; pid < r.NumPartitions(); pid++ {
		rows, err := r.PartitionRows(pid)
		require.NoError(t, err)
		total += rows
	}
	assert.Equal(t, 64, total)
}

func TestBuildPQDivisibilityValidation(t *testing.T) {
	store := memds.New(dataset.Column{Name: "vec", Dim: 128, ElementType: dataset.Float32})
	blobs := blobstore.NewMemoryStore()

	params := baseParams()
	params.Type = index.IVFPQ
	params.NumPartitions = 1
	params.SubIndex = index.SubIndexParams{NumSubVectors: 15, NumBits: 8}

	_, err := New(store, blobs).Build(context.Background(), params)
	require.ErrorContains(t, err, "divisible by num_sub_vectors")
	var invalid *ErrInvalidParams
	require.ErrorAs(t, err, &invalid)

	// Nothing may be published by a failed build.
	names, err := blobs.List(context.Background(), "indices/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestBuildWithExternalCentroids(t *testing.T) {
	store := clusteredStore(t, 4, 16)
	blobs := blobstore.NewMemoryStore()

	centroids := []float32{
		0.5, 0.5, 0.5, 0.5,
		10.5, 10.5, 10.5, 10.5,
		20.5, 20.5, 20.5, 20.5,
		30.5, 30.5, 30.5, 30.5,
	}
	params := baseParams()
	params.Centroids = centroids

	meta, err := New(store, blobs).Build(context.Background(), params)
	require.NoError(t, err)
	assert.Zero(t, meta.Loss, "supplied centroids skip training")

	r, err := artifact.Open(context.Background(), blobs, meta.UUID)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, centroids, r.Centroids())
}

func TestBuildRejectsMisshapenCentroids(t *testing.T) {
	store := clusteredStore(t, 4, 16)
	params := baseParams()
	params.Centroids = []float32{1, 2, 3} // not 4x4

	_, err := New(store, blobstore.NewMemoryStore()).Build(context.Background(), params)
	assert.ErrorContains(t, err, "centroid shape mismatch")
	var invalid *ErrInvalidParams
	assert.ErrorAs(t, err, &invalid)
}

type fakeAccelerator struct {
	centroids []float32
	called    bool
}

func (f *fakeAccelerator) TrainCentroids(_ context.Context, _ [][]float32, _, _ int, _ distance.Metric) ([]float32, error) {
	f.called = true
	return f.centroids, nil
}

func TestBuildWithAccelerator(t *testing.T) {
	store := clusteredStore(t, 4, 16)

	acc := &fakeAccelerator{centroids: []float32{
		0, 0, 0, 0,
		10, 10, 10, 10,
		20, 20, 20, 20,
		30, 30, 30, 30,
	}}
	params := baseParams()
	params.Accelerator = acc

	meta, err := New(store, blobstore.NewMemoryStore()).Build(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, acc.called)
	assert.NotEmpty(t, meta.UUID)
}

func TestBuildAcceleratorShapeValidated(t *testing.T) {
	store := clusteredStore(t, 4, 16)

	params := baseParams()
	params.Accelerator = &fakeAccelerator{centroids: []float32{1, 2}}

	_, err := New(store, blobstore.NewMemoryStore()).Build(context.Background(), params)
	assert.ErrorContains(t, err, "centroid shape mismatch")
}

func TestBuildExcludesNonFiniteRows(t *testing.T) {
	store := clusteredStore(t, 4, 16)
	store.Append([][]float32{
		{float32(math.NaN()), 1, 2, 3},
		{1, float32(math.Inf(1)), 2, 3},
	})
	blobs := blobstore.NewMemoryStore()

	meta, err := New(store, blobs).Build(context.Background(), baseParams())
	require.NoError(t, err)

	r, err := artifact.Open(context.Background(), blobs, meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	total := 0
	for pid := 0; pid < r.NumPartitions(); pid++ {
		rows, err := r.PartitionRows(pid)
		require.NoError(t, err)
		total += rows
	}
	assert.Equal(t, 64, total, "non-finite rows never enter the index")
}

func TestBuildCosineExcludesZeroNormRows(t *testing.T) {
	store := clusteredStore(t, 4, 16)
	store.Append([][]float32{{0, 0, 0, 0}})
	blobs := blobstore.NewMemoryStore()

	params := baseParams()
	params.Metric = distance.MetricCosine

	meta, err := New(store, blobs).Build(context.Background(), params)
	require.NoError(t, err)

	r, err := artifact.Open(context.Background(), blobs, meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	total := 0
	for pid := 0; pid < r.NumPartitions(); pid++ {
		rows, err := r.PartitionRows(pid)
		require.NoError(t, err)
		total += rows
	}
	assert.Equal(t, 64, total, "zero-norm rows have no direction under cosine")
}

// scratchStore replays every scanned row through one reused buffer, the way
// a columnar reader that recycles its decode buffer would.
type scratchStore struct {
	*memds.Store
	scratch []float32
}

func (s *scratchStore) Scan(ctx context.Context, column string, fragments []uint64, fn dataset.ScanFunc) error {
	return s.Store.Scan(ctx, column, fragments, func(rowID uint64, slots [][]float32) error {
		out := make([][]float32, len(slots))
		for i, v := range slots {
			if cap(s.scratch) < len(v) {
				s.scratch = make([]float32, len(v))
			}
			buf := s.scratch[:len(v)]
			copy(buf, v)
			out[i] = buf
		}
		return fn(rowID, out)
	})
}

func TestBuildCopiesScannedVectors(t *testing.T) {
	base := memds.New(dataset.Column{Name: "vec", Dim: 4, ElementType: dataset.Float32})
	rows := make([][]float32, 32)
	for i := range rows {
		v := float32(i)
		rows[i] = []float32{v, v, v, v}
	}
	base.Append(rows)
	store := &scratchStore{Store: base}
	blobs := blobstore.NewMemoryStore()

	params := baseParams()
	params.NumPartitions = 2
	meta, err := New(store, blobs).Build(context.Background(), params)
	require.NoError(t, err)

	r, err := artifact.Open(context.Background(), blobs, meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	gen := searcher.NewGeneration(r, nil)
	resp, err := searcher.New(store).Search(context.Background(), []*searcher.Generation{gen}, &searcher.Request{
		Column:   "vec",
		Queries:  [][]float32{{5, 5, 5, 5}},
		K:        1,
		Nprobes:  2,
		UseIndex: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(5), resp.Results[0].RowID)
	assert.InDelta(t, 0.0, float64(resp.Results[0].Distance), 1e-5)
}

func TestOnePassSkipsEncodingStage(t *testing.T) {
	store := clusteredStore(t, 4, 16)

	var stages []Stage
	params := baseParams()
	params.Type = index.IVFSQ
	params.OnePass = true
	params.OnStage = func(s Stage) { stages = append(stages, s) }

	_, err := New(store, blobstore.NewMemoryStore()).Build(context.Background(), params)
	require.NoError(t, err)

	assert.NotContains(t, stages, StageEncoding)
	assert.Contains(t, stages, StageTrainingCodec)
	assert.Contains(t, stages, StageDone)
}

func TestBuildReusesSuppliedCodec(t *testing.T) {
	store := clusteredStore(t, 4, 16)
	blobs := blobstore.NewMemoryStore()

	sq := quant.NewScalarQuantizer(4)
	require.NoError(t, sq.Train([][]float32{{0, 0, 0, 0}, {31, 31, 31, 31}}))

	params := baseParams()
	params.Type = index.IVFSQ
	params.Quantizer = sq

	meta, err := New(store, blobs).Build(context.Background(), params)
	require.NoError(t, err)

	r, err := artifact.Open(context.Background(), blobs, meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	mins, invScales := r.Quantizer().(*quant.ScalarQuantizer).Bounds()
	wantMins, wantInv := sq.Bounds()
	assert.Equal(t, wantMins, mins)
	assert.Equal(t, wantInv, invScales)
}

func TestBuildRejectsUntrainedCodec(t *testing.T) {
	store := clusteredStore(t, 4, 16)

	params := baseParams()
	params.Type = index.IVFSQ
	params.Quantizer = quant.NewScalarQuantizer(4)

	_, err := New(store, blobstore.NewMemoryStore()).Build(context.Background(), params)
	assert.ErrorContains(t, err, "not trained")
}

func TestBuildGraphIndex(t *testing.T) {
	store := clusteredStore(t, 4, 16)
	blobs := blobstore.NewMemoryStore()

	params := baseParams()
	params.Type = index.IVFHNSWFlat
	params.SubIndex = index.SubIndexParams{M: 8, EFConstruction: 100}

	meta, err := New(store, blobs).Build(context.Background(), params)
	require.NoError(t, err)

	r, err := artifact.Open(context.Background(), blobs, meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	sawGraph := false
	for pid := 0; pid < r.NumPartitions(); pid++ {
		p, err := r.Partition(context.Background(), pid)
		require.NoError(t, err)
		if p.Graph != nil {
			sawGraph = true
			assert.Equal(t, len(p.RowIDs), p.Graph.Len())
		}
	}
	assert.True(t, sawGraph)
}

func TestBuildCoversRequestedFragmentsOnly(t *testing.T) {
	store := clusteredStore(t, 4, 16) // fragment 0
	extra := make([][]float32, 8)
	for i := range extra {
		extra[i] = []float32{100, 100, 100, float32(i)}
	}
	fragID := store.Append(extra) // fragment 1
	blobs := blobstore.NewMemoryStore()

	params := baseParams()
	params.NumPartitions = 2
	params.Fragments = []uint64{fragID}

	meta, err := New(store, blobs).Build(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, []uint64{fragID}, meta.Fragments)

	r, err := artifact.Open(context.Background(), blobs, meta.UUID)
	require.NoError(t, err)
	defer r.Close()

	total := 0
	for pid := 0; pid < r.NumPartitions(); pid++ {
		rows, err := r.PartitionRows(pid)
		require.NoError(t, err)
		total += rows
	}
	assert.Equal(t, 8, total)
}
