package quant

import (
	"fmt"

	"github.com/quiverdb/quiver/distance"
)

// BinaryQuantizer packs each vector into a bit array: bit i is set when
// dimension i exceeds its trained threshold. Distance is the Hamming weight
// of the XOR of two codes. Used only with IVF_FLAT-style partitioning; the
// packing itself is the only quantization loss.
type BinaryQuantizer struct {
	dim        int
	thresholds []float32
	trained    bool
}

// NewBinaryQuantizer creates an untrained binary codec for the given
// dimension.
func NewBinaryQuantizer(dim int) *BinaryQuantizer {
	return &BinaryQuantizer{dim: dim}
}

func (bq *BinaryQuantizer) Kind() Kind    { return KindBinary }
func (bq *BinaryQuantizer) Trained() bool { return bq.trained }
func (bq *BinaryQuantizer) CodeSize() int { return (bq.dim + 7) / 8 }

// Thresholds returns the trained per-dimension split points.
func (bq *BinaryQuantizer) Thresholds() []float32 { return bq.thresholds }

// SetThresholds installs precomputed split points, skipping Train.
func (bq *BinaryQuantizer) SetThresholds(thresholds []float32) error {
	if len(thresholds) != bq.dim {
		return fmt.Errorf("quant: binary thresholds shape mismatch: got %d values, want %d", len(thresholds), bq.dim)
	}
	bq.thresholds = thresholds
	bq.trained = true
	return nil
}

// Train sets each dimension's threshold to its sample mean.
func (bq *BinaryQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("quant: no vectors provided for binary training")
	}
	if len(vectors[0]) != bq.dim {
		return fmt.Errorf("quant: binary training dimension mismatch: expected %d, got %d", bq.dim, len(vectors[0]))
	}

	sums := make([]float64, bq.dim)
	for _, vec := range vectors {
		for i, v := range vec {
			sums[i] += float64(v)
		}
	}

	thresholds := make([]float32, bq.dim)
	inv := 1 / float64(len(vectors))
	for i, s := range sums {
		thresholds[i] = float32(s * inv)
	}

	bq.thresholds = thresholds
	bq.trained = true
	return nil
}

// Encode packs sign bits relative to the thresholds, LSB-first per byte.
func (bq *BinaryQuantizer) Encode(vec []float32) ([]byte, error) {
	if !bq.trained {
		return nil, errNotTrained
	}
	if len(vec) != bq.dim {
		return nil, fmt.Errorf("quant: binary encode dimension mismatch: expected %d, got %d", bq.dim, len(vec))
	}

	code := make([]byte, bq.CodeSize())
	for i, v := range vec {
		if v > bq.thresholds[i] {
			code[i/8] |= 1 << (i % 8)
		}
	}
	return code, nil
}

// Decode reconstructs a coarse approximation: threshold +/- 0.5 per bit.
func (bq *BinaryQuantizer) Decode(code []byte) ([]float32, error) {
	if !bq.trained {
		return nil, errNotTrained
	}
	if len(code) != bq.CodeSize() {
		return nil, fmt.Errorf("quant: binary decode code size mismatch: expected %d, got %d", bq.CodeSize(), len(code))
	}

	out := make([]float32, bq.dim)
	for i := range out {
		if code[i/8]&(1<<(i%8)) != 0 {
			out[i] = bq.thresholds[i] + 0.5
		} else {
			out[i] = bq.thresholds[i] - 0.5
		}
	}
	return out, nil
}

// Searcher encodes the query once and scores codes by Hamming distance.
func (bq *BinaryQuantizer) Searcher(query []float32, metric distance.Metric) (Searcher, error) {
	if metric != distance.MetricHamming {
		return nil, fmt.Errorf("quant: binary codec requires the hamming metric, got %v", metric)
	}
	qc, err := bq.Encode(query)
	if err != nil {
		return nil, err
	}
	return &binarySearcher{query: qc}, nil
}

func (bq *BinaryQuantizer) ApproxDistance(a, b []byte, metric distance.Metric) (float32, error) {
	if metric != distance.MetricHamming {
		return 0, fmt.Errorf("quant: binary codec requires the hamming metric, got %v", metric)
	}
	if len(a) != bq.CodeSize() || len(b) != bq.CodeSize() {
		return 0, fmt.Errorf("quant: binary code size mismatch")
	}
	return distance.Hamming(a, b), nil
}

type binarySearcher struct {
	query []byte
}

func (s *binarySearcher) Distance(code []byte) float32 {
	return distance.Hamming(s.query, code)
}

var _ Quantizer = (*BinaryQuantizer)(nil)
