// Package kmeans implements the Lloyd's-algorithm centroid trainer used by
// the coarse (IVF) partitioner and by the PQ codebook trainer.
package kmeans

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/quiverdb/quiver/distance"
)

// Options control a training run.
type Options struct {
	// MaxIterations bounds the number of Lloyd's iterations.
	MaxIterations int
	// Tolerance stops iteration early once total centroid movement
	// (L2 over the flattened centroid matrix) falls below it.
	Tolerance float64
	// Seed makes the run deterministic when non-zero.
	Seed int64
}

// DefaultOptions are the trainer defaults.
var DefaultOptions = Options{
	MaxIterations: 50,
	Tolerance:     1e-4,
}

// Result is a trained centroid set.
type Result struct {
	// Centroids is the flattened k x dim centroid matrix.
	Centroids []float32
	// Loss is the final sum of distances from each training vector to its
	// assigned centroid.
	Loss float64
	// Iterations is the number of Lloyd's iterations performed.
	Iterations int
}

// Train clusters the flattened vectors (n x dim) into k centroids under the
// given metric. Vectors containing non-finite values must be excluded by the
// caller before training.
func Train(ctx context.Context, vectors []float32, dim, k int, metric distance.Metric, optFns ...func(o *Options)) (Result, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if dim <= 0 {
		return Result{}, fmt.Errorf("kmeans: dimension must be positive, got %d", dim)
	}
	if k <= 0 {
		return Result{}, fmt.Errorf("kmeans: k must be positive, got %d", k)
	}
	n := len(vectors) / dim
	if n < k {
		return Result{}, fmt.Errorf("kmeans: %d training vectors for %d clusters", n, k)
	}

	distFn, err := Provider(metric)
	if err != nil {
		return Result{}, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	if opts.Seed == 0 {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	centroids := seedPlusPlus(rng, vectors, dim, k, distFn)

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float64, k*dim)
	prev := make([]float64, k*dim)
	cur := make([]float64, k*dim)

	var loss float64
	iters := 0

	for iter := 0; iter < opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		iters = iter + 1

		// Assignment step.
		loss = 0
		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best, d := nearest(vec, centroids, dim, distFn)
			assignments[i] = best
			loss += float64(d)
		}

		// Update step. Accumulation in float64 keeps large clusters stable.
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			counts[c]++
			base := c * dim
			vec := vectors[i*dim : (i+1)*dim]
			for d, v := range vec {
				sums[base+d] += float64(v)
			}
		}

		for i, c := range centroids {
			prev[i] = float64(c)
		}
		for j := 0; j < k; j++ {
			base := j * dim
			if counts[j] > 0 {
				inv := 1 / float64(counts[j])
				for d := 0; d < dim; d++ {
					centroids[base+d] = float32(sums[base+d] * inv)
				}
			} else {
				// Reseed an empty cluster from a random training vector so
				// the update never divides by a zero count.
				idx := rng.Intn(n)
				copy(centroids[base:base+dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
		for i, c := range centroids {
			cur[i] = float64(c)
		}

		if floats.Distance(prev, cur, 2) < opts.Tolerance {
			break
		}
	}

	return Result{Centroids: centroids, Loss: loss, Iterations: iters}, nil
}

// Provider resolves the training distance for a metric. Cosine trains on
// dot distance over normalized vectors; Hamming partitions on L2 of the
// unpacked vectors.
func Provider(metric distance.Metric) (distance.Func, error) {
	switch metric {
	case distance.MetricL2, distance.MetricHamming:
		return distance.SquaredL2, nil
	case distance.MetricCosine:
		return distance.CosineDistance, nil
	case distance.MetricDot:
		return distance.NegativeDot, nil
	default:
		return nil, errors.New("kmeans: unsupported metric")
	}
}

// seedPlusPlus picks initial centroids with k-means++ weighting.
func seedPlusPlus(rng *rand.Rand, vectors []float32, dim, k int, distFn distance.Func) []float32 {
	n := len(vectors) / dim
	centroids := make([]float32, k*dim)

	first := rng.Intn(n)
	copy(centroids[:dim], vectors[first*dim:(first+1)*dim])

	minDist := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(distFn(vectors[i*dim:(i+1)*dim], centroids[:dim]))
		minDist[i] = d
		sum += d
	}

	for c := 1; c < k; c++ {
		base := c * dim

		if sum <= 0 {
			idx := rng.Intn(n)
			copy(centroids[base:base+dim], vectors[idx*dim:(idx+1)*dim])
			continue
		}

		target := rng.Float64() * sum
		var cumsum float64
		chosen := n - 1
		for i, d := range minDist {
			cumsum += d
			if cumsum >= target {
				chosen = i
				break
			}
		}
		copy(centroids[base:base+dim], vectors[chosen*dim:(chosen+1)*dim])

		sum = 0
		for i := 0; i < n; i++ {
			d := float64(distFn(vectors[i*dim:(i+1)*dim], centroids[base:base+dim]))
			if d < minDist[i] {
				minDist[i] = d
			}
			sum += minDist[i]
		}
	}
	return centroids
}

func nearest(vec, centroids []float32, dim int, distFn distance.Func) (int, float32) {
	k := len(centroids) / dim
	best := 0
	min := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := distFn(vec, centroids[j*dim:(j+1)*dim])
		if d < min {
			min = d
			best = j
		}
	}
	return best, min
}

// Assign returns the index of the nearest centroid to vec.
func Assign(vec, centroids []float32, dim int, distFn distance.Func) int {
	best, _ := nearest(vec, centroids, dim, distFn)
	return best
}

// Ranked is a centroid id together with its distance to a query.
type Ranked struct {
	ID       int
	Distance float32
}

// Rank orders all centroids by ascending distance to the query.
func Rank(query, centroids []float32, dim int, distFn distance.Func) []Ranked {
	k := len(centroids) / dim
	out := make([]Ranked, k)
	for j := 0; j < k; j++ {
		out[j] = Ranked{ID: j, Distance: distFn(query, centroids[j*dim:(j+1)*dim])}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].ID < out[j].ID
		}
		return out[i].Distance < out[j].Distance
	})
	return out
}

// ValidateShape checks that a precomputed centroid matrix matches the
// expected partition count and dimensionality.
func ValidateShape(centroids []float32, k, dim int) error {
	if len(centroids) != k*dim {
		return fmt.Errorf("kmeans: centroid shape mismatch: got %d values, want %d (%d x %d)", len(centroids), k*dim, k, dim)
	}
	return nil
}
