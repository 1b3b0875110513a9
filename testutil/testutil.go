// Package testutil generates synthetic vector fixtures for index tests and
// benchmarks: clustered datasets with a known structure, plus brute-force
// ground truth for recall measurements.
package testutil

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/quiverdb/quiver/distance"
)

// RNG is a seeded, thread-safe random source for fixtures.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates an RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Reset rewinds the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// UniformVectors generates vectors with values in [0, 1).
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	for i := range data {
		data[i] = r.rand.Float32()
	}
	out := make([][]float32, num)
	for i := range out {
		out[i] = data[i*dim : (i+1)*dim]
	}
	return out
}

// ClusteredVectors generates num vectors grouped around numClusters
// well-separated centers with the given intra-cluster spread. Vector i
// belongs to cluster i % numClusters, so cluster membership is known to the
// caller without bookkeeping.
func (r *RNG) ClusteredVectors(num, dim, numClusters int, spread float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	centers := make([][]float32, numClusters)
	for c := range centers {
		center := make([]float32, dim)
		for d := range center {
			// Separation of 10 per cluster dwarfs any sane spread.
			center[d] = float32(c * 10)
		}
		centers[c] = center
	}

	out := make([][]float32, num)
	for i := range out {
		center := centers[i%numClusters]
		v := make([]float32, dim)
		for d := range v {
			v[d] = center[d] + (r.rand.Float32()*2-1)*spread
		}
		out[i] = v
	}
	return out
}

// Neighbor is one ground-truth result.
type Neighbor struct {
	Index    int
	Distance float32
}

// BruteForce computes the exact k nearest neighbors of query among vectors
// under the given metric, ties broken by index.
func BruteForce(query []float32, vectors [][]float32, k int, metric distance.Metric) ([]Neighbor, error) {
	distFn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, len(vectors))
	for i, v := range vectors {
		out[i] = Neighbor{Index: i, Distance: distFn(query, v)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].Index < out[j].Index
		}
		return out[i].Distance < out[j].Distance
	})
	if k < len(out) {
		out = out[:k]
	}
	return out, nil
}

// Recall computes |got ∩ want| / |want| over neighbor index sets.
func Recall(got []int, want []Neighbor) float64 {
	if len(want) == 0 {
		return 1
	}
	wanted := make(map[int]struct{}, len(want))
	for _, n := range want {
		wanted[n.Index] = struct{}{}
	}
	hits := 0
	for _, idx := range got {
		if _, ok := wanted[idx]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}
