// Package quant provides the interchangeable vector codecs used inside index
// partitions: Flat (no compression), PQ (product quantization), SQ (scalar
// quantization) and Binary (packed sign bits for Hamming search).
//
// Every codec exposes the same capability set: Train on a sample, Encode a
// vector to a fixed-size code, Decode a code back to an approximate vector,
// and build a query-bound Searcher for approximate distance scoring. The
// query executor stays strategy-agnostic.
package quant

import (
	"fmt"

	"github.com/quiverdb/quiver/distance"
)

// Kind identifies a codec.
type Kind uint8

const (
	KindFlat Kind = iota
	KindPQ
	KindSQ
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindFlat:
		return "FLAT"
	case KindPQ:
		return "PQ"
	case KindSQ:
		return "SQ"
	case KindBinary:
		return "BINARY"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Quantizer is the uniform codec capability set.
type Quantizer interface {
	// Kind identifies the codec.
	Kind() Kind

	// Train calibrates the codec on a training sample. Codecs loaded from a
	// persisted artifact or supplied externally are already trained.
	Train(vectors [][]float32) error

	// Trained reports whether Encode/Decode may be called.
	Trained() bool

	// Encode quantizes a vector into a fixed-size code.
	Encode(vec []float32) ([]byte, error)

	// Decode reconstructs an approximate vector from a code. Used by the
	// refine step for reconstruction comparison.
	Decode(code []byte) ([]float32, error)

	// CodeSize returns the encoded size per vector in bytes.
	CodeSize() int

	// Searcher binds a query and metric for repeated approximate distance
	// computation against codes.
	Searcher(query []float32, metric distance.Metric) (Searcher, error)

	// ApproxDistance computes a symmetric approximate distance between two
	// codes under the given metric.
	ApproxDistance(a, b []byte, metric distance.Metric) (float32, error)
}

// Searcher scores codes against the query it was built for.
type Searcher interface {
	Distance(code []byte) float32
}

var errNotTrained = fmt.Errorf("quant: codec not trained")
