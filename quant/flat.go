package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/internal/f16"
)

// FlatQuantizer stores vectors verbatim, optionally narrowed to the column's
// element width. It is the identity codec: used when no sub-index is
// requested and as the transparent fallback when an index is dropped.
type FlatQuantizer struct {
	dim     int
	element dataset.ElementType
}

// NewFlatQuantizer creates a flat codec for the given dimension, storing
// values at the given element width.
func NewFlatQuantizer(dim int, element dataset.ElementType) *FlatQuantizer {
	return &FlatQuantizer{dim: dim, element: element}
}

func (q *FlatQuantizer) Kind() Kind                   { return KindFlat }
func (q *FlatQuantizer) Train(_ [][]float32) error    { return nil }
func (q *FlatQuantizer) Trained() bool                { return true }
func (q *FlatQuantizer) Element() dataset.ElementType { return q.element }
func (q *FlatQuantizer) Dimension() int               { return q.dim }

// CodeSize returns the stored size per vector.
func (q *FlatQuantizer) CodeSize() int {
	switch q.element {
	case dataset.Float16:
		return q.dim * 2
	case dataset.Uint8:
		return q.dim
	default:
		return q.dim * 4
	}
}

// Encode serializes the vector at the configured element width.
func (q *FlatQuantizer) Encode(vec []float32) ([]byte, error) {
	if len(vec) != q.dim {
		return nil, fmt.Errorf("quant: flat encode dimension mismatch: expected %d, got %d", q.dim, len(vec))
	}

	switch q.element {
	case dataset.Float16:
		code := make([]byte, q.dim*2)
		tmp := make([]uint16, q.dim)
		f16.EncodeSlice(tmp, vec)
		for i, h := range tmp {
			binary.LittleEndian.PutUint16(code[i*2:], h)
		}
		return code, nil
	case dataset.Uint8:
		code := make([]byte, q.dim)
		for i, v := range vec {
			switch {
			case v <= 0:
				code[i] = 0
			case v >= 255:
				code[i] = 255
			default:
				code[i] = byte(v)
			}
		}
		return code, nil
	default:
		code := make([]byte, q.dim*4)
		for i, v := range vec {
			binary.LittleEndian.PutUint32(code[i*4:], math.Float32bits(v))
		}
		return code, nil
	}
}

// Decode widens the stored code back to float32.
func (q *FlatQuantizer) Decode(code []byte) ([]float32, error) {
	if len(code) != q.CodeSize() {
		return nil, fmt.Errorf("quant: flat decode code size mismatch: expected %d, got %d", q.CodeSize(), len(code))
	}

	out := make([]float32, q.dim)
	switch q.element {
	case dataset.Float16:
		for i := range out {
			out[i] = f16.ToFloat32(f16.Bits(binary.LittleEndian.Uint16(code[i*2:])))
		}
	case dataset.Uint8:
		for i := range out {
			out[i] = float32(code[i])
		}
	default:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(code[i*4:]))
		}
	}
	return out, nil
}

// Searcher returns an exact scorer over decoded vectors.
func (q *FlatQuantizer) Searcher(query []float32, metric distance.Metric) (Searcher, error) {
	if len(query) != q.dim {
		return nil, fmt.Errorf("quant: flat query dimension mismatch: expected %d, got %d", q.dim, len(query))
	}
	fn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	return &flatSearcher{q: q, query: query, fn: fn}, nil
}

func (q *FlatQuantizer) ApproxDistance(a, b []byte, metric distance.Metric) (float32, error) {
	fn, err := distance.Provider(metric)
	if err != nil {
		return 0, err
	}
	va, err := q.Decode(a)
	if err != nil {
		return 0, err
	}
	vb, err := q.Decode(b)
	if err != nil {
		return 0, err
	}
	return fn(va, vb), nil
}

type flatSearcher struct {
	q     *FlatQuantizer
	query []float32
	fn    distance.Func
}

func (s *flatSearcher) Distance(code []byte) float32 {
	vec, err := s.q.Decode(code)
	if err != nil {
		return math.MaxFloat32
	}
	return s.fn(s.query, vec)
}

var _ Quantizer = (*FlatQuantizer)(nil)
