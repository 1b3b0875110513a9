// Package builder turns dataset rows into immutable index generations. A
// build walks a fixed stage pipeline and publishes its artifact atomically:
// a failed build leaves any prior generation untouched.
package builder

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/internal/artifact"
	"github.com/quiverdb/quiver/internal/kmeans"
	"github.com/quiverdb/quiver/quant"
)

// Stage identifies one step of the build pipeline.
type Stage uint8

const (
	StageSampling Stage = iota
	StageTrainingCentroids
	StageAssigningPartitions
	StageTrainingCodec
	StageEncoding
	StageWritingArtifact
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageSampling:
		return "SAMPLING"
	case StageTrainingCentroids:
		return "TRAINING_CENTROIDS"
	case StageAssigningPartitions:
		return "ASSIGNING_PARTITIONS"
	case StageTrainingCodec:
		return "TRAINING_CODEC"
	case StageEncoding:
		return "ENCODING"
	case StageWritingArtifact:
		return "WRITING_ARTIFACT"
	case StageDone:
		return "DONE"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Trainer is an external training backend. When set, it replaces the
// internal k-means stage; its output still passes shape validation.
type Trainer interface {
	TrainCentroids(ctx context.Context, vectors [][]float32, dim, k int, metric distance.Metric) ([]float32, error)
}

// Params configures one build.
type Params struct {
	Name          string
	Column        string
	Type          index.Type
	Metric        distance.Metric
	NumPartitions int
	SubIndex      index.SubIndexParams

	// Fragments restricts the build to these fragment ids; nil covers the
	// dataset's full live fragment set.
	Fragments []uint64

	// Centroids skips centroid training when non-nil. Shape is validated.
	Centroids []float32
	// Codebook skips PQ codebook training when non-nil.
	Codebook []float32
	// Quantizer skips codec training entirely; used by delta builds to
	// reuse the primary generation's trained codec.
	Quantizer quant.Quantizer
	// Accelerator replaces the internal centroid trainer when set.
	Accelerator Trainer

	// OnePass fuses assignment and encoding into a single pass, skipping
	// the separate encoding stage. Ignored for graph index types.
	OnePass bool

	FileVersion index.FileVersion

	// SampleSize bounds the training sample; 0 derives it from the
	// partition count.
	SampleSize int
	Seed       int64

	// SkipSanityCheck disables the post-build recoverability probe.
	SkipSanityCheck bool

	// OnStage, when set, observes every pipeline transition.
	OnStage func(Stage)
}

// ErrInvalidParams wraps a parameter or shape error detected while
// validating build inputs, before any artifact work begins.
type ErrInvalidParams struct {
	Err error
}

func (e *ErrInvalidParams) Error() string { return e.Err.Error() }
func (e *ErrInvalidParams) Unwrap() error { return e.Err }

func invalidParams(err error) error {
	if err == nil {
		return nil
	}
	return &ErrInvalidParams{Err: err}
}

// Builder builds index generations from a dataset into a blob store.
type Builder struct {
	store dataset.Store
	blobs blobstore.Store
}

// New creates a builder.
func New(store dataset.Store, blobs blobstore.Store) *Builder {
	return &Builder{store: store, blobs: blobs}
}

// entry is one indexed vector. Multi-vector rows contribute one entry per
// sub-vector slot, all sharing the row id.
type entry struct {
	rowID uint64
	vec   []float32
}

// Build runs the full pipeline and returns the published generation's
// metadata. No artifact becomes visible unless every stage succeeds.
func (b *Builder) Build(ctx context.Context, params Params) (*index.Metadata, error) {
	col, err := b.store.Column(params.Column)
	if err != nil {
		return nil, err
	}
	if err := validateParams(&params, col); err != nil {
		return nil, invalidParams(err)
	}

	stage := func(s Stage) {
		if params.OnStage != nil {
			params.OnStage(s)
		}
	}

	fragments := params.Fragments
	if fragments == nil {
		for _, f := range b.store.Fragments() {
			fragments = append(fragments, f.ID)
		}
	}

	stage(StageSampling)
	entries, err := b.collect(ctx, params, col, fragments)
	if err != nil {
		return nil, err
	}
	sample := sampleEntries(entries, sampleBudget(&params), params.Seed)

	stage(StageTrainingCentroids)
	centroids, loss, err := b.trainCentroids(ctx, params, col.Dim, sample)
	if err != nil {
		return nil, err
	}

	distFn, err := kmeans.Provider(trainingMetric(params.Metric))
	if err != nil {
		return nil, err
	}

	useGraph := params.Type.UsesGraph()
	onePass := params.OnePass && !useGraph

	var quantizer quant.Quantizer
	trainCodec := func() error {
		stage(StageTrainingCodec)
		quantizer, err = b.trainCodec(params, col, sample)
		return err
	}

	partitions := make([]index.Partition, params.NumPartitions)
	for i := range partitions {
		partitions[i].ID = i
	}

	if onePass {
		// Codec first, then one fused pass over all entries.
		if err := trainCodec(); err != nil {
			return nil, err
		}
		stage(StageAssigningPartitions)
		for _, ent := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			pid := kmeans.Assign(ent.vec, centroids, col.Dim, distFn)
			code, err := quantizer.Encode(ent.vec)
			if err != nil {
				return nil, err
			}
			partitions[pid].RowIDs = append(partitions[pid].RowIDs, ent.rowID)
			partitions[pid].Codes = append(partitions[pid].Codes, code)
		}
	} else {
		stage(StageAssigningPartitions)
		assigned := make([][]entry, params.NumPartitions)
		for _, ent := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			pid := kmeans.Assign(ent.vec, centroids, col.Dim, distFn)
			assigned[pid] = append(assigned[pid], ent)
		}

		if err := trainCodec(); err != nil {
			return nil, err
		}

		stage(StageEncoding)
		if err := b.encodePartitions(ctx, params, quantizer, assigned, partitions); err != nil {
			return nil, err
		}
	}

	stage(StageWritingArtifact)
	meta := &index.Metadata{
		UUID:          uuid.NewString(),
		Name:          params.Name,
		Column:        params.Column,
		Type:          params.Type,
		Metric:        params.Metric,
		NumPartitions: params.NumPartitions,
		Dim:           col.Dim,
		Multi:         col.Multi,
		SubIndex:      params.SubIndex,
		FileVersion:   params.FileVersion,
		Loss:          loss,
		Fragments:     fragments,
		CreatedAt:     time.Now().UTC(),
	}
	art := &artifact.Artifact{
		Meta:       meta,
		Centroids:  centroids,
		Quantizer:  quantizer,
		Partitions: partitions,
	}
	if err := artifact.Write(ctx, b.blobs, art); err != nil {
		return nil, err
	}

	if !params.SkipSanityCheck {
		if err := b.sanityCheck(ctx, meta, entries, params.Seed); err != nil {
			// Remove the freshly written artifact so the failure leaves
			// nothing behind.
			_ = b.blobs.Delete(ctx, artifact.Path(meta.UUID))
			return nil, err
		}
	}

	stage(StageDone)
	return meta, nil
}

func validateParams(params *Params, col dataset.Column) error {
	if params.NumPartitions <= 0 {
		return fmt.Errorf("builder: num_partitions must be positive, got %d", params.NumPartitions)
	}
	if params.FileVersion == 0 {
		params.FileVersion = index.FileVersionStable
	}
	if params.FileVersion != index.FileVersionLegacy && params.FileVersion != index.FileVersionStable {
		return fmt.Errorf("builder: unsupported index_file_version %d", params.FileVersion)
	}
	if params.Centroids != nil {
		if err := kmeans.ValidateShape(params.Centroids, params.NumPartitions, col.Dim); err != nil {
			return err
		}
	}

	kind := params.Type.CodecKind(params.Metric)
	if kind == quant.KindPQ {
		// Surfaces the divisibility error before any work begins.
		pq, err := quant.NewProductQuantizer(col.Dim, params.SubIndex.NumSubVectors, normalizeBits(params.SubIndex.NumBits))
		if err != nil {
			return err
		}
		if params.Codebook != nil {
			if err := pq.SetCodebook(params.Codebook); err != nil {
				return err
			}
		}
	} else if params.Codebook != nil {
		return fmt.Errorf("builder: pq_codebook supplied for non-PQ index type %s", params.Type)
	}
	return nil
}

func normalizeBits(bits int) int {
	if bits == 0 {
		return 8
	}
	return bits
}

func sampleBudget(params *Params) int {
	if params.SampleSize > 0 {
		return params.SampleSize
	}
	return 256 * params.NumPartitions
}

// trainingMetric maps hamming to l2 for centroid work: centroids are float
// means, so bit-space distance does not apply to them.
func trainingMetric(m distance.Metric) distance.Metric {
	if m == distance.MetricHamming {
		return distance.MetricL2
	}
	return m
}

// collect scans the covered fragments into indexable entries. Rows with any
// non-finite value are excluded entirely, as are zero-norm rows under the
// cosine metric (they have no direction); both stay reachable only through
// flat scans.
func (b *Builder) collect(ctx context.Context, params Params, col dataset.Column, fragments []uint64) ([]entry, error) {
	cosine := params.Metric == distance.MetricCosine

	var entries []entry
	err := b.store.Scan(ctx, params.Column, fragments, func(rowID uint64, slots [][]float32) error {
		row := make([]entry, 0, len(slots))
		for _, v := range slots {
			if len(v) != col.Dim || !finite(v) {
				return nil
			}
			// The scan contract forbids retaining the callback's slices.
			vec := slices.Clone(v)
			if cosine && !distance.NormalizeL2InPlace(vec) {
				return nil
			}
			row = append(row, entry{rowID: rowID, vec: vec})
		}
		entries = append(entries, row...)
		return nil
	})
	return entries, err
}

func finite(v []float32) bool {
	for _, f := range v {
		f64 := float64(f)
		if math.IsNaN(f64) || math.IsInf(f64, 0) {
			return false
		}
	}
	return true
}

// sampleEntries draws without replacement. A budget covering the whole set
// returns every entry.
func sampleEntries(entries []entry, budget int, seed int64) [][]float32 {
	if budget >= len(entries) {
		out := make([][]float32, len(entries))
		for i, e := range entries {
			out[i] = e.vec
		}
		return out
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(entries))
	out := make([][]float32, budget)
	for i := 0; i < budget; i++ {
		out[i] = entries[perm[i]].vec
	}
	return out
}

func (b *Builder) trainCentroids(ctx context.Context, params Params, dim int, sample [][]float32) ([]float32, float64, error) {
	if params.Centroids != nil {
		return params.Centroids, 0, nil
	}

	if params.Accelerator != nil {
		centroids, err := params.Accelerator.TrainCentroids(ctx, sample, dim, params.NumPartitions, trainingMetric(params.Metric))
		if err != nil {
			return nil, 0, fmt.Errorf("builder: accelerator training: %w", err)
		}
		if err := kmeans.ValidateShape(centroids, params.NumPartitions, dim); err != nil {
			return nil, 0, invalidParams(err)
		}
		return centroids, 0, nil
	}

	res, err := kmeans.Train(ctx, flatten(sample, dim), dim, params.NumPartitions, trainingMetric(params.Metric), func(o *kmeans.Options) {
		o.Seed = params.Seed
	})
	if err != nil {
		return nil, 0, err
	}
	return res.Centroids, res.Loss, nil
}

func flatten(vectors [][]float32, dim int) []float32 {
	out := make([]float32, 0, len(vectors)*dim)
	for _, v := range vectors {
		out = append(out, v...)
	}
	return out
}

func (b *Builder) trainCodec(params Params, col dataset.Column, sample [][]float32) (quant.Quantizer, error) {
	if params.Quantizer != nil {
		if !params.Quantizer.Trained() {
			return nil, invalidParams(fmt.Errorf("builder: supplied codec is not trained"))
		}
		return params.Quantizer, nil
	}

	switch params.Type.CodecKind(params.Metric) {
	case quant.KindPQ:
		pq, err := quant.NewProductQuantizer(col.Dim, params.SubIndex.NumSubVectors, normalizeBits(params.SubIndex.NumBits))
		if err != nil {
			return nil, err
		}
		pq.SetSeed(params.Seed)
		if params.Codebook != nil {
			if err := pq.SetCodebook(params.Codebook); err != nil {
				return nil, err
			}
			return pq, nil
		}
		if err := pq.Train(sample); err != nil {
			return nil, err
		}
		return pq, nil
	case quant.KindSQ:
		sq := quant.NewScalarQuantizer(col.Dim)
		if err := sq.Train(sample); err != nil {
			return nil, err
		}
		return sq, nil
	case quant.KindBinary:
		bq := quant.NewBinaryQuantizer(col.Dim)
		if err := bq.Train(sample); err != nil {
			return nil, err
		}
		return bq, nil
	default:
		return quant.NewFlatQuantizer(col.Dim, col.ElementType), nil
	}
}

// encodePartitions materializes per-partition payloads in parallel: either
// a code array or an HNSW graph over the partition's vectors.
func (b *Builder) encodePartitions(ctx context.Context, params Params, quantizer quant.Quantizer, assigned [][]entry, partitions []index.Partition) error {
	useGraph := params.Type.UsesGraph()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for pid := range assigned {
		pid := pid
		g.Go(func() error {
			ents := assigned[pid]
			p := &partitions[pid]
			p.RowIDs = make([]uint64, len(ents))
			for i, ent := range ents {
				p.RowIDs[i] = ent.rowID
			}

			if useGraph && len(ents) > 0 {
				vectors := make([][]float32, len(ents))
				for i, ent := range ents {
					vectors[i] = ent.vec
				}
				var payload quant.Quantizer
				if quantizer.Kind() != quant.KindFlat {
					payload = quantizer
				}
				graph, err := hnsw.Build(gctx, vectors, params.Metric, payload, func(o *hnsw.Options) {
					if params.SubIndex.M > 0 {
						o.M = params.SubIndex.M
					}
					if params.SubIndex.EFConstruction > 0 {
						o.EFConstruction = params.SubIndex.EFConstruction
					}
					o.Seed = params.Seed
				})
				if err != nil {
					return err
				}
				p.Graph = graph
				return nil
			}

			p.Codes = make([][]byte, len(ents))
			for i, ent := range ents {
				code, err := quantizer.Encode(ent.vec)
				if err != nil {
					return err
				}
				p.Codes[i] = code
			}
			return nil
		})
	}
	return g.Wait()
}
