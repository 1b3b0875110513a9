// Package hnsw implements a Hierarchical Navigable Small World graph used as
// the per-partition sub-index for the IVF_HNSW_* index types.
//
// Graphs are built offline over the vectors assigned to one partition and are
// immutable afterwards. Node payloads may optionally be compressed with a PQ
// or SQ codec to bound memory; search exactness depends on graph
// connectivity, not guaranteed exact top-k.
package hnsw

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/quant"
)

// Options configure graph construction.
type Options struct {
	// M is the maximum number of bidirectional links per node per layer.
	M int
	// EFConstruction is the candidate list size during construction.
	EFConstruction int
	// Seed makes level assignment deterministic when non-zero.
	Seed int64
}

// DefaultOptions are the construction defaults.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
}

// Candidate is a search result: the node's ordinal within the partition and
// its distance to the query.
type Candidate struct {
	Ordinal  uint32
	Distance float32
}

type node struct {
	level     int
	neighbors [][]uint32 // one list per layer, 0..level
}

// Graph is an immutable small-world graph over one partition's vectors.
type Graph struct {
	dim    int
	metric distance.Metric
	distFn distance.Func

	m         int
	mMax0     int
	levelMult float64

	entry    int
	maxLevel int
	nodes    []node

	// Payload: raw vectors, or codes under a codec.
	vectors   [][]float32
	codes     [][]byte
	quantizer quant.Quantizer
}

// Build constructs a graph over the given vectors.
//
// When quantizer is non-nil it must already be trained; node payloads are
// stored as codes and search scores through the codec. Construction always
// links on the raw vectors.
func Build(ctx context.Context, vectors [][]float32, metric distance.Metric, quantizer quant.Quantizer, optFns ...func(o *Options)) (*Graph, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("hnsw: no vectors to index")
	}
	if opts.M < 2 {
		return nil, fmt.Errorf("hnsw: M must be at least 2, got %d", opts.M)
	}

	dim := len(vectors[0])
	distFn, err := buildDistance(metric)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		dim:       dim,
		metric:    metric,
		distFn:    distFn,
		m:         opts.M,
		mMax0:     opts.M * 2,
		levelMult: 1 / math.Log(float64(opts.M)),
		entry:     -1,
		maxLevel:  -1,
		vectors:   vectors,
		quantizer: quantizer,
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seed))

	for i, v := range vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(v) != dim {
			return nil, fmt.Errorf("hnsw: inconsistent vector dimension: expected %d, got %d", dim, len(v))
		}
		g.insert(i, rng)
	}

	if quantizer != nil {
		codes := make([][]byte, len(vectors))
		for i, v := range vectors {
			code, err := quantizer.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("hnsw: encoding node %d: %w", i, err)
			}
			codes[i] = code
		}
		g.codes = codes
		g.vectors = nil
	}

	return g, nil
}

func buildDistance(metric distance.Metric) (distance.Func, error) {
	switch metric {
	case distance.MetricHamming:
		// Hamming columns are linked on the unpacked vectors with L2,
		// which ranks identically for 0/1 inputs.
		return distance.SquaredL2, nil
	default:
		return distance.Provider(metric)
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// MaxLevel returns the top layer of the graph.
func (g *Graph) MaxLevel() int { return g.maxLevel }

func (g *Graph) randomLevel(rng *rand.Rand) int {
	return int(math.Floor(-math.Log(rng.Float64()+1e-12) * g.levelMult))
}

func (g *Graph) maxNeighbors(layer int) int {
	if layer == 0 {
		return g.mMax0
	}
	return g.m
}

// buildDist is the node-to-node distance during construction (raw vectors).
func (g *Graph) buildDist(a, b int) float32 {
	return g.distFn(g.vectors[a], g.vectors[b])
}

func (g *Graph) insert(i int, rng *rand.Rand) {
	level := g.randomLevel(rng)
	n := node{level: level, neighbors: make([][]uint32, level+1)}
	g.nodes = append(g.nodes, n)

	if g.entry < 0 {
		g.entry = i
		g.maxLevel = level
		return
	}

	cur := g.entry
	// Greedy descent through layers above the insertion level.
	for l := g.maxLevel; l > level; l-- {
		cur = g.greedyClosest(i, cur, l)
	}

	// Beam search and linking from min(level, maxLevel) down to 0.
	top := level
	if g.maxLevel < top {
		top = g.maxLevel
	}
	for l := top; l >= 0; l-- {
		candidates := g.searchLayerBuild(i, cur, l)
		selected := g.selectNeighbors(candidates, g.m)

		g.nodes[i].neighbors[l] = append([]uint32(nil), selected...)
		for _, nb := range selected {
			g.link(int(nb), i, l)
		}
		if len(selected) > 0 {
			cur = int(selected[0])
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = i
	}
}

func (g *Graph) greedyClosest(target, start, layer int) int {
	cur := start
	curDist := g.buildDist(target, cur)
	for {
		improved := false
		if layer <= g.nodes[cur].level {
			for _, nb := range g.nodes[cur].neighbors[layer] {
				d := g.buildDist(target, int(nb))
				if d < curDist {
					cur = int(nb)
					curDist = d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayerBuild runs the construction-time beam search at one layer and
// returns candidates ordered by ascending distance to node i.
func (g *Graph) searchLayerBuild(i, entry, layer int) []Candidate {
	ef := g.m * 4
	visited := map[int]bool{entry: true}

	cand := &minHeap{{Ordinal: uint32(entry), Distance: g.buildDist(i, entry)}}
	results := &maxHeap{(*cand)[0]}

	for cand.Len() > 0 {
		c := heap.Pop(cand).(Candidate)
		if results.Len() >= ef && c.Distance > (*results)[0].Distance {
			break
		}
		nd := g.nodes[c.Ordinal]
		if layer > nd.level {
			continue
		}
		for _, nb := range nd.neighbors[layer] {
			if visited[int(nb)] {
				continue
			}
			visited[int(nb)] = true
			d := g.buildDist(i, int(nb))
			if results.Len() < ef || d < (*results)[0].Distance {
				heap.Push(cand, Candidate{Ordinal: nb, Distance: d})
				heap.Push(results, Candidate{Ordinal: nb, Distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]Candidate, results.Len())
	for j := len(out) - 1; j >= 0; j-- {
		out[j] = heap.Pop(results).(Candidate)
	}
	return out
}

// selectNeighbors keeps the closest m candidates.
func (g *Graph) selectNeighbors(candidates []Candidate, m int) []uint32 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.Ordinal
	}
	return out
}

// link adds a backward edge from -> to at the given layer, pruning to the
// layer's connection budget.
func (g *Graph) link(from, to, layer int) {
	nd := &g.nodes[from]
	if layer > nd.level {
		return
	}
	nd.neighbors[layer] = append(nd.neighbors[layer], uint32(to))

	budget := g.maxNeighbors(layer)
	if len(nd.neighbors[layer]) <= budget {
		return
	}

	// Prune: keep the closest budget neighbors.
	cands := make([]Candidate, len(nd.neighbors[layer]))
	for i, nb := range nd.neighbors[layer] {
		cands[i] = Candidate{Ordinal: nb, Distance: g.buildDist(from, int(nb))}
	}
	sortCandidates(cands)
	nd.neighbors[layer] = g.selectNeighbors(cands, budget)
}

// Search returns up to k nearest candidates at the given ef budget
// (ef is raised to k when smaller).
func (g *Graph) Search(query []float32, k, ef int) ([]Candidate, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}
	if len(query) != g.dim {
		return nil, fmt.Errorf("hnsw: query dimension mismatch: expected %d, got %d", g.dim, len(query))
	}
	if ef < k {
		ef = k
	}

	scorer, err := g.scorer(query)
	if err != nil {
		return nil, err
	}

	cur := g.entry
	curDist := scorer(cur)
	for l := g.maxLevel; l > 0; l-- {
		for {
			improved := false
			if l <= g.nodes[cur].level {
				for _, nb := range g.nodes[cur].neighbors[l] {
					d := scorer(int(nb))
					if d < curDist {
						cur, curDist = int(nb), d
						improved = true
					}
				}
			}
			if !improved {
				break
			}
		}
	}

	visited := map[int]bool{cur: true}
	cand := &minHeap{{Ordinal: uint32(cur), Distance: curDist}}
	results := &maxHeap{(*cand)[0]}

	for cand.Len() > 0 {
		c := heap.Pop(cand).(Candidate)
		if results.Len() >= ef && c.Distance > (*results)[0].Distance {
			break
		}
		for _, nb := range g.nodes[c.Ordinal].neighbors[0] {
			if visited[int(nb)] {
				continue
			}
			visited[int(nb)] = true
			d := scorer(int(nb))
			if results.Len() < ef || d < (*results)[0].Distance {
				heap.Push(cand, Candidate{Ordinal: nb, Distance: d})
				heap.Push(results, Candidate{Ordinal: nb, Distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]Candidate, results.Len())
	for j := len(out) - 1; j >= 0; j-- {
		out[j] = heap.Pop(results).(Candidate)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// scorer returns the query-to-node distance function, going through the
// payload codec when the graph is quantized.
func (g *Graph) scorer(query []float32) (func(i int) float32, error) {
	if g.codes != nil {
		s, err := g.quantizer.Searcher(query, g.metric)
		if err != nil {
			return nil, err
		}
		return func(i int) float32 { return s.Distance(g.codes[i]) }, nil
	}
	return func(i int) float32 { return g.distFn(query, g.vectors[i]) }, nil
}

// Vector reconstructs the payload vector for a node (approximate when
// quantized).
func (g *Graph) Vector(ordinal uint32) ([]float32, error) {
	if int(ordinal) >= len(g.nodes) {
		return nil, fmt.Errorf("hnsw: ordinal %d out of range", ordinal)
	}
	if g.codes != nil {
		return g.quantizer.Decode(g.codes[ordinal])
	}
	return g.vectors[ordinal], nil
}

func sortCandidates(c []Candidate) {
	// Insertion sort; candidate lists are small (<= mMax0+1).
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].Distance < c[j-1].Distance; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

type minHeap []Candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Distance < h[j].Distance }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *minHeap) Pop() any          { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

type maxHeap []Candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *maxHeap) Pop() any          { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }
