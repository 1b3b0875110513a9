package quant

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/internal/kmeans"
)

// ProductQuantizer splits each vector into numSubVectors contiguous chunks
// and quantizes each chunk independently against its own codebook of
// 2^numBits codewords.
//
// A 128-dim float32 vector with 16 sub-vectors and 8 bits becomes 16 bytes,
// a 32x compression.
type ProductQuantizer struct {
	dim           int
	numSubVectors int
	numBits       int
	subDim        int
	numCentroids  int

	// codebook is the flattened numSubVectors x numCentroids x subDim
	// centroid tables.
	codebook []float32
	trained  bool

	seed int64
}

// NewProductQuantizer creates a PQ codec.
//
// numBits must be 4 or 8; dim must be evenly divisible by numSubVectors.
// Both are build-time errors.
func NewProductQuantizer(dim, numSubVectors, numBits int) (*ProductQuantizer, error) {
	if dim <= 0 || numSubVectors <= 0 {
		return nil, fmt.Errorf("quant: dimension and num_sub_vectors must be positive")
	}
	if dim%numSubVectors != 0 {
		return nil, fmt.Errorf("quant: dimension (%d) must be divisible by num_sub_vectors (%d)", dim, numSubVectors)
	}
	if numBits != 4 && numBits != 8 {
		return nil, fmt.Errorf("quant: num_bits must be 4 or 8, got %d", numBits)
	}

	return &ProductQuantizer{
		dim:           dim,
		numSubVectors: numSubVectors,
		numBits:       numBits,
		subDim:        dim / numSubVectors,
		numCentroids:  1 << numBits,
	}, nil
}

func (pq *ProductQuantizer) Kind() Kind         { return KindPQ }
func (pq *ProductQuantizer) Trained() bool      { return pq.trained }
func (pq *ProductQuantizer) NumSubVectors() int { return pq.numSubVectors }
func (pq *ProductQuantizer) NumBits() int       { return pq.numBits }

// SetSeed makes codebook training deterministic.
func (pq *ProductQuantizer) SetSeed(seed int64) { pq.seed = seed }

// CodeSize returns the encoded size per vector: one code per sub-vector,
// nibble-packed for 4-bit codes.
func (pq *ProductQuantizer) CodeSize() int {
	if pq.numBits == 4 {
		return (pq.numSubVectors + 1) / 2
	}
	return pq.numSubVectors
}

// Codebook returns the flattened centroid tables.
func (pq *ProductQuantizer) Codebook() []float32 { return pq.codebook }

// SetCodebook installs an externally trained codebook, skipping Train.
func (pq *ProductQuantizer) SetCodebook(codebook []float32) error {
	want := pq.numSubVectors * pq.numCentroids * pq.subDim
	if len(codebook) != want {
		return fmt.Errorf("quant: pq codebook shape mismatch: got %d values, want %d (%d x %d x %d)",
			len(codebook), want, pq.numSubVectors, pq.numCentroids, pq.subDim)
	}
	pq.codebook = codebook
	pq.trained = true
	return nil
}

// Train builds one codebook per sub-vector with k-means. Sub-spaces train
// concurrently, bounded by GOMAXPROCS.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("quant: no vectors provided for pq training")
	}
	if len(vectors[0]) != pq.dim {
		return fmt.Errorf("quant: pq training dimension mismatch: expected %d, got %d", pq.dim, len(vectors[0]))
	}

	codebook := make([]float32, pq.numSubVectors*pq.numCentroids*pq.subDim)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.GOMAXPROCS(0))

	for m := 0; m < pq.numSubVectors; m++ {
		g.Go(func() error {
			start := m * pq.subDim
			sub := make([]float32, 0, len(vectors)*pq.subDim)
			for _, v := range vectors {
				sub = append(sub, v[start:start+pq.subDim]...)
			}

			k := pq.numCentroids
			n := len(vectors)
			if n < k {
				// Tiny samples: every vector becomes its own codeword and
				// the rest of the table repeats them.
				base := m * pq.numCentroids * pq.subDim
				for j := 0; j < k; j++ {
					copy(codebook[base+j*pq.subDim:base+(j+1)*pq.subDim], vectors[j%n][start:start+pq.subDim])
				}
				return nil
			}

			res, err := kmeans.Train(ctx, sub, pq.subDim, k, distance.MetricL2, func(o *kmeans.Options) {
				o.MaxIterations = 25
				o.Seed = pq.seed + int64(m) + 1
			})
			if err != nil {
				return fmt.Errorf("quant: pq codebook %d: %w", m, err)
			}
			copy(codebook[m*pq.numCentroids*pq.subDim:], res.Centroids)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pq.codebook = codebook
	pq.trained = true
	return nil
}

func (pq *ProductQuantizer) subTable(m int) []float32 {
	base := m * pq.numCentroids * pq.subDim
	return pq.codebook[base : base+pq.numCentroids*pq.subDim]
}

// Encode quantizes a vector into nibble- or byte-packed codewords.
func (pq *ProductQuantizer) Encode(vec []float32) ([]byte, error) {
	if !pq.trained {
		return nil, errNotTrained
	}
	if len(vec) != pq.dim {
		return nil, fmt.Errorf("quant: pq encode dimension mismatch: expected %d, got %d", pq.dim, len(vec))
	}

	code := make([]byte, pq.CodeSize())
	for m := 0; m < pq.numSubVectors; m++ {
		sub := vec[m*pq.subDim : (m+1)*pq.subDim]
		idx := kmeans.Assign(sub, pq.subTable(m), pq.subDim, distance.SquaredL2)
		if pq.numBits == 4 {
			if m%2 == 0 {
				code[m/2] = byte(idx) & 0x0f
			} else {
				code[m/2] |= byte(idx) << 4
			}
		} else {
			code[m] = byte(idx)
		}
	}
	return code, nil
}

func (pq *ProductQuantizer) codeword(code []byte, m int) int {
	if pq.numBits == 4 {
		b := code[m/2]
		if m%2 == 0 {
			return int(b & 0x0f)
		}
		return int(b >> 4)
	}
	return int(code[m])
}

// Decode reconstructs the approximate vector from its codewords.
func (pq *ProductQuantizer) Decode(code []byte) ([]float32, error) {
	if !pq.trained {
		return nil, errNotTrained
	}
	if len(code) != pq.CodeSize() {
		return nil, fmt.Errorf("quant: pq decode code size mismatch: expected %d, got %d", pq.CodeSize(), len(code))
	}

	out := make([]float32, pq.dim)
	for m := 0; m < pq.numSubVectors; m++ {
		j := pq.codeword(code, m)
		table := pq.subTable(m)
		copy(out[m*pq.subDim:(m+1)*pq.subDim], table[j*pq.subDim:(j+1)*pq.subDim])
	}
	return out, nil
}

// Searcher precomputes the asymmetric distance table for the query: one
// distance per (sub-vector, codeword) pair, so scoring a code is numSubVectors
// table lookups.
//
// Cosine assumes unit-normalized stored vectors and query (the builder and
// executor normalize for the cosine metric), under which the distance
// decomposes as 1 - sum of per-sub-vector dot products.
func (pq *ProductQuantizer) Searcher(query []float32, metric distance.Metric) (Searcher, error) {
	if !pq.trained {
		return nil, errNotTrained
	}
	if len(query) != pq.dim {
		return nil, fmt.Errorf("quant: pq query dimension mismatch: expected %d, got %d", pq.dim, len(query))
	}

	table := make([]float32, pq.numSubVectors*pq.numCentroids)
	var base float32

	for m := 0; m < pq.numSubVectors; m++ {
		sub := query[m*pq.subDim : (m+1)*pq.subDim]
		cb := pq.subTable(m)
		out := table[m*pq.numCentroids : (m+1)*pq.numCentroids]

		switch metric {
		case distance.MetricL2:
			for j := range out {
				out[j] = distance.SquaredL2(sub, cb[j*pq.subDim:(j+1)*pq.subDim])
			}
		case distance.MetricCosine:
			base = 1
			for j := range out {
				out[j] = -distance.Dot(sub, cb[j*pq.subDim:(j+1)*pq.subDim])
			}
		case distance.MetricDot:
			for j := range out {
				out[j] = -distance.Dot(sub, cb[j*pq.subDim:(j+1)*pq.subDim])
			}
		default:
			return nil, fmt.Errorf("quant: pq does not support metric %v", metric)
		}
	}

	return &pqSearcher{pq: pq, table: table, base: base}, nil
}

func (pq *ProductQuantizer) ApproxDistance(a, b []byte, metric distance.Metric) (float32, error) {
	fn, err := distance.Provider(metric)
	if err != nil {
		return 0, err
	}
	va, err := pq.Decode(a)
	if err != nil {
		return 0, err
	}
	vb, err := pq.Decode(b)
	if err != nil {
		return 0, err
	}
	return fn(va, vb), nil
}

type pqSearcher struct {
	pq    *ProductQuantizer
	table []float32
	base  float32
}

func (s *pqSearcher) Distance(code []byte) float32 {
	if len(code) != s.pq.CodeSize() {
		return math.MaxFloat32
	}
	d := s.base
	k := s.pq.numCentroids
	for m := 0; m < s.pq.numSubVectors; m++ {
		d += s.table[m*k+s.pq.codeword(code, m)]
	}
	return d
}

var _ Quantizer = (*ProductQuantizer)(nil)
