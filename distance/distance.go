// Package distance provides the vector distance kernels used across the
// engine. Float32 kernels are SIMD-accelerated via vek (AVX2/AVX512 on
// x86-64, NEON on ARM64); Hamming works on packed bit arrays.
package distance

import (
	"fmt"
	"math/bits"
	"slices"

	"github.com/viterin/vek/vek32"
)

// Metric identifies the distance metric used for vector comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricDot
	MetricHamming
)

// ParseMetric parses the wire name of a metric ("l2", "cosine", "dot",
// "hamming").
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "l2", "L2", "euclidean":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	case "dot":
		return MetricDot, nil
	case "hamming":
		return MetricHamming, nil
	default:
		return 0, fmt.Errorf("unsupported metric: %q", s)
	}
}

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	case MetricHamming:
		return "hamming"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return vek32.Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	d := vek32.Distance(a, b)
	return d * d
}

// CosineDistance calculates 1 - cosine similarity.
func CosineDistance(a, b []float32) float32 {
	return 1 - vek32.CosineSimilarity(a, b)
}

// NegativeDot calculates the negated dot product, so that smaller means
// closer under the dot metric.
func NegativeDot(a, b []float32) float32 {
	return -vek32.Dot(a, b)
}

// Hamming calculates the Hamming distance between two packed bit arrays.
// Assumes slices are the same length.
func Hamming(a, b []byte) float32 {
	var n int
	for i := range a {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return float32(n)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm := vek32.Norm(v)
	if norm == 0 {
		return false
	}
	vek32.DivNumber_Inplace(v, norm)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Func is a function type for distance calculation on float32 vectors.
type Func func(a, b []float32) float32

// FuncBytes is a function type for distance calculation on packed byte codes.
type FuncBytes func(a, b []byte) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return CosineDistance, nil
	case MetricDot:
		return NegativeDot, nil
	default:
		return nil, fmt.Errorf("unsupported metric for float32: %v", m)
	}
}

// ProviderBytes returns the distance function for the given metric on packed
// byte codes.
func ProviderBytes(m Metric) (FuncBytes, error) {
	switch m {
	case MetricHamming:
		return Hamming, nil
	default:
		return nil, fmt.Errorf("unsupported metric for bytes: %v", m)
	}
}
