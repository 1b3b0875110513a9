// Package searcher executes nearest-neighbor requests against index
// generations: partition probing, approximate scoring, refine, deletion
// filtering and the flat-scan merge over unindexed rows.
package searcher

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/internal/kmeans"
)

// DefaultMinimumNprobes is the probe floor applied when a request does not
// set any nprobe knob.
const DefaultMinimumNprobes = 20

// Request is a fully resolved nearest-neighbor query.
type Request struct {
	Column  string
	Queries [][]float32
	K       int
	// Limit truncates the final result set below K when positive.
	Limit int

	// Nprobes pins the probe count, overriding MinimumNprobes and
	// MaximumNprobes.
	Nprobes        int
	MinimumNprobes int
	// MaximumNprobes bounds adaptive probing; 0 means unbounded.
	MaximumNprobes int

	// RefineFactor over-fetches RefineFactor*K approximate candidates and
	// reranks them against exact vectors. Values below 2 disable refinement.
	RefineFactor int

	// Metric overrides the index metric when non-nil.
	Metric *distance.Metric

	Filter    func(rowID uint64) bool
	Prefilter bool

	UseIndex           bool
	FastSearch         bool
	WithRowID          bool
	IncludeDeletedRows bool
}

// Result is one ranked row.
type Result struct {
	RowID    uint64
	Distance float32
}

// Plan describes how a request was executed.
type Plan struct {
	Column         string
	IndexType      string
	MinimumNprobes int
	// MaximumNprobes is the resolved probe ceiling; 0 means unbounded.
	MaximumNprobes int
	// ProbedPartitions is the number of partitions actually scanned.
	ProbedPartitions int
	RefineFactor     int
	// CombinedScan is set when index results were merged with a flat scan
	// over fragments the index does not cover.
	CombinedScan bool
	// FlatOnly is set when no index served the request at all.
	FlatOnly bool
}

func (p Plan) String() string {
	scan := "index_scan"
	if p.FlatOnly {
		scan = "flat_scan"
	} else if p.CombinedScan {
		scan = "combined_scan"
	}
	max := "unbounded"
	if p.MaximumNprobes > 0 {
		max = fmt.Sprintf("%d", p.MaximumNprobes)
	}
	return fmt.Sprintf("%s(column=%s, type=%s, minimum_nprobes=%d, maximum_nprobes=%s, probed=%d, refine_factor=%d)",
		scan, p.Column, p.IndexType, p.MinimumNprobes, max, p.ProbedPartitions, p.RefineFactor)
}

// Response carries the ranked rows and the executed plan.
type Response struct {
	Results []Result
	Plan    Plan
}

// Executor runs requests against a dataset and its index generations.
type Executor struct {
	store dataset.Store
}

// New creates an executor over the given dataset.
func New(store dataset.Store) *Executor {
	return &Executor{store: store}
}

func (e *Executor) validate(req *Request, col dataset.Column) error {
	if req.K <= 0 {
		return ErrInvalidK
	}
	if len(req.Queries) == 0 {
		return ErrEmptyQuery
	}
	for i, q := range req.Queries {
		if len(q) != col.Dim {
			return &ErrDimensionMismatch{Expected: col.Dim, Actual: len(q), QueryIndex: i}
		}
	}
	if req.IncludeDeletedRows && req.WithRowID {
		return &ErrConflictingOptions{A: "include_deleted_rows", B: "with_row_id"}
	}
	return nil
}

// Search executes one request against the generations serving req.Column.
// Generations must all belong to the same index name; they are probed
// independently and their candidates merged.
func (e *Executor) Search(ctx context.Context, gens []*Generation, req *Request) (*Response, error) {
	col, err := e.store.Column(req.Column)
	if err != nil {
		return nil, err
	}
	if err := e.validate(req, col); err != nil {
		return nil, err
	}

	metric := distance.MetricL2
	if len(gens) > 0 {
		metric = gens[0].Metadata().Metric
	}
	if req.Metric != nil {
		metric = *req.Metric
		for _, g := range gens {
			if built := g.Metadata().Metric; g.Metadata().Type.UsesGraph() && metric != built {
				return nil, &ErrMetricOverride{Requested: metric.String(), Built: built.String()}
			}
		}
	}

	// Stored vectors are normalized at build time for cosine, so the
	// quantized distance tables decompose over a normalized query.
	queries := req.Queries
	if metric == distance.MetricCosine {
		queries = make([][]float32, len(req.Queries))
		for i, q := range req.Queries {
			n, ok := distance.NormalizeL2Copy(q)
			if !ok {
				return nil, ErrZeroVector
			}
			queries[i] = n
		}
	}

	var deletions *roaring64.Bitmap
	if !req.IncludeDeletedRows {
		deletions = e.store.Deletions()
	}

	covered := roaring64.New()
	for _, g := range gens {
		for _, f := range g.Metadata().Fragments {
			covered.Add(f)
		}
	}
	var uncovered []uint64
	for _, f := range e.store.Fragments() {
		if !covered.Contains(f.ID) {
			uncovered = append(uncovered, f.ID)
		}
	}

	plan := Plan{
		Column:       req.Column,
		RefineFactor: req.RefineFactor,
		FlatOnly:     !req.UseIndex || len(gens) == 0,
	}
	if len(gens) > 0 {
		plan.IndexType = gens[0].Metadata().Type.String()
	}

	fetchK := req.K
	if req.RefineFactor > 1 {
		fetchK = req.K * req.RefineFactor
	}

	// One candidate map per query vector; a multi-vector row keeps the
	// minimum distance across its sub-vector slots.
	maps := make([]map[uint64]float32, len(queries))
	for i := range maps {
		maps[i] = make(map[uint64]float32)
	}

	if !plan.FlatOnly {
		minP, maxP := resolveNprobes(req)
		plan.MinimumNprobes, plan.MaximumNprobes = minP, maxP

		for _, g := range gens {
			probed, err := e.probeGeneration(ctx, g, queries, metric, req, maps, minP, maxP, fetchK)
			if err != nil {
				return nil, err
			}
			plan.ProbedPartitions += probed
		}
	}

	cands := aggregate(maps, deletions)

	if !plan.FlatOnly && req.RefineFactor > 1 {
		sortResults(cands)
		if len(cands) > fetchK {
			cands = cands[:fetchK]
		}
		cands, err = e.refine(ctx, req.Column, cands, queries, metric)
		if err != nil {
			return nil, err
		}
	}

	if plan.FlatOnly {
		flat, err := e.flatScan(ctx, req, fragmentIDs(e.store.Fragments()), queries, metric, deletions)
		if err != nil {
			return nil, err
		}
		cands = append(cands, flat...)
	} else if len(uncovered) > 0 && !req.FastSearch {
		plan.CombinedScan = true
		flat, err := e.flatScan(ctx, req, uncovered, queries, metric, deletions)
		if err != nil {
			return nil, err
		}
		cands = append(cands, flat...)
	}

	sortResults(cands)

	if !req.Prefilter && req.Filter != nil {
		kept := cands[:0]
		for _, c := range cands {
			if req.Filter(c.RowID) {
				kept = append(kept, c)
			}
		}
		cands = kept
	}

	limit := req.K
	if req.Limit > 0 && req.Limit < limit {
		limit = req.Limit
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}

	return &Response{Results: cands, Plan: plan}, nil
}

// Explain resolves the plan of a request without probing any partition.
func (e *Executor) Explain(ctx context.Context, gens []*Generation, req *Request) (Plan, error) {
	col, err := e.store.Column(req.Column)
	if err != nil {
		return Plan{}, err
	}
	if err := e.validate(req, col); err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Column:       req.Column,
		RefineFactor: req.RefineFactor,
		FlatOnly:     !req.UseIndex || len(gens) == 0,
	}
	if plan.FlatOnly {
		return plan, nil
	}

	plan.IndexType = gens[0].Metadata().Type.String()
	plan.MinimumNprobes, plan.MaximumNprobes = resolveNprobes(req)

	covered := roaring64.New()
	for _, g := range gens {
		for _, f := range g.Metadata().Fragments {
			covered.Add(f)
		}
	}
	for _, f := range e.store.Fragments() {
		if !covered.Contains(f.ID) && !req.FastSearch {
			plan.CombinedScan = true
			break
		}
	}
	return plan, nil
}

func resolveNprobes(req *Request) (minP, maxP int) {
	if req.Nprobes > 0 {
		return req.Nprobes, req.Nprobes
	}
	minP = req.MinimumNprobes
	if minP <= 0 {
		minP = DefaultMinimumNprobes
	}
	maxP = req.MaximumNprobes
	if maxP > 0 && maxP < minP {
		maxP = minP
	}
	return minP, maxP
}

// probeGeneration scans partitions of one generation in centroid-rank
// order. Beyond the probe floor it keeps probing until the k-th best
// aggregated distance is unchanged across two consecutive extra partitions,
// or the ceiling is reached.
func (e *Executor) probeGeneration(ctx context.Context, g *Generation, queries [][]float32, metric distance.Metric, req *Request, maps []map[uint64]float32, minP, maxP, fetchK int) (int, error) {
	meta := g.Metadata()
	distFn, err := kmeans.Provider(metric)
	if err != nil {
		return 0, err
	}

	// Rank partitions by the best centroid distance over all query vectors.
	ranked := kmeans.Rank(queries[0], g.Centroids(), meta.Dim, distFn)
	if len(queries) > 1 {
		best := make(map[int]float32, len(ranked))
		for _, r := range ranked {
			best[r.ID] = r.Distance
		}
		for _, q := range queries[1:] {
			for _, r := range kmeans.Rank(q, g.Centroids(), meta.Dim, distFn) {
				if r.Distance < best[r.ID] {
					best[r.ID] = r.Distance
				}
			}
		}
		for i := range ranked {
			ranked[i].Distance = best[ranked[i].ID]
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].Distance == ranked[j].Distance {
				return ranked[i].ID < ranked[j].ID
			}
			return ranked[i].Distance < ranked[j].Distance
		})
	}

	floor := minP
	if floor > len(ranked) {
		floor = len(ranked)
	}
	ceil := len(ranked)
	if maxP > 0 && maxP < ceil {
		ceil = maxP
	}

	probed := 0
	probe := func(pid int) error {
		p, err := g.Partition(ctx, pid)
		if err != nil {
			return err
		}
		probed++
		return scorePartition(p, g, queries, metric, req, maps, fetchK)
	}

	for i := 0; i < floor; i++ {
		if err := probe(ranked[i].ID); err != nil {
			return probed, err
		}
	}

	prevKth := float32(math.Inf(1))
	stable := 0
	for i := floor; i < ceil && stable < 2; i++ {
		if err := probe(ranked[i].ID); err != nil {
			return probed, err
		}
		kth := kthDistance(maps, req.K)
		if kth >= prevKth {
			stable++
		} else {
			stable = 0
		}
		prevKth = kth
	}
	return probed, nil
}

func scorePartition(p *index.Partition, g *Generation, queries [][]float32, metric distance.Metric, req *Request, maps []map[uint64]float32, fetchK int) error {
	keep := func(rowID uint64) bool {
		return !req.Prefilter || req.Filter == nil || req.Filter(rowID)
	}

	if p.Graph != nil {
		ef := fetchK * 2
		if ef < 64 {
			ef = 64
		}
		k := fetchK
		if k > p.Size() {
			k = p.Size()
		}
		for qi, q := range queries {
			hits, err := p.Graph.Search(q, k, ef)
			if err != nil {
				return err
			}
			for _, h := range hits {
				rowID := p.RowIDs[h.Ordinal]
				if !keep(rowID) {
					continue
				}
				if d, ok := maps[qi][rowID]; !ok || h.Distance < d {
					maps[qi][rowID] = h.Distance
				}
			}
		}
		return nil
	}

	quantizer := g.Reader().Quantizer()
	for qi, q := range queries {
		s, err := quantizer.Searcher(q, metric)
		if err != nil {
			return err
		}
		for i, code := range p.Codes {
			rowID := p.RowIDs[i]
			if !keep(rowID) {
				continue
			}
			d := s.Distance(code)
			if prev, ok := maps[qi][rowID]; !ok || d < prev {
				maps[qi][rowID] = d
			}
		}
	}
	return nil
}

// aggregate folds the per-query candidate maps into one result list. A
// multi-vector query sums per-query distances; rows missing under any query
// vector are dropped, which is why k results are not guaranteed for
// multi-vector requests.
func aggregate(maps []map[uint64]float32, deletions *roaring64.Bitmap) []Result {
	out := make([]Result, 0, len(maps[0]))
	for rowID, d := range maps[0] {
		if deletions != nil && deletions.Contains(rowID) {
			continue
		}
		total, complete := sumOver(maps, rowID, d)
		if complete {
			out = append(out, Result{RowID: rowID, Distance: total})
		}
	}
	return out
}

func sumOver(maps []map[uint64]float32, rowID uint64, first float32) (float32, bool) {
	total := first
	for _, m := range maps[1:] {
		other, ok := m[rowID]
		if !ok {
			return 0, false
		}
		total += other
	}
	return total, true
}

// kthDistance returns the k-th smallest aggregated distance, or +Inf when
// fewer than k candidates exist.
func kthDistance(maps []map[uint64]float32, k int) float32 {
	dists := make([]float32, 0, len(maps[0]))
	for rowID, d := range maps[0] {
		if total, complete := sumOver(maps, rowID, d); complete {
			dists = append(dists, total)
		}
	}
	if len(dists) < k {
		return float32(math.Inf(1))
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i] < dists[j] })
	return dists[k-1]
}

// refine recomputes exact distances for the over-fetched candidates. Rows no
// longer retrievable from the dataset drop out.
func (e *Executor) refine(ctx context.Context, column string, cands []Result, queries [][]float32, metric distance.Metric) ([]Result, error) {
	if len(cands) == 0 {
		return cands, nil
	}
	rowIDs := make([]uint64, len(cands))
	for i, c := range cands {
		rowIDs[i] = c.RowID
	}

	rows, err := e.store.Take(ctx, column, rowIDs)
	if err != nil {
		return nil, err
	}

	out := cands[:0]
	for _, c := range cands {
		slots, ok := rows[c.RowID]
		if !ok {
			continue
		}
		d, ok := exactRowDistance(queries, slots, metric)
		if !ok {
			continue
		}
		out = append(out, Result{RowID: c.RowID, Distance: d})
	}
	return out, nil
}

// flatScan computes exact distances over the given fragments.
func (e *Executor) flatScan(ctx context.Context, req *Request, fragments []uint64, queries [][]float32, metric distance.Metric, deletions *roaring64.Bitmap) ([]Result, error) {
	if len(fragments) == 0 {
		return nil, nil
	}
	var out []Result
	err := e.store.Scan(ctx, req.Column, fragments, func(rowID uint64, slots [][]float32) error {
		if deletions != nil && deletions.Contains(rowID) {
			return nil
		}
		if req.Prefilter && req.Filter != nil && !req.Filter(rowID) {
			return nil
		}
		d, ok := exactRowDistance(queries, slots, metric)
		if !ok {
			return nil
		}
		out = append(out, Result{RowID: rowID, Distance: d})
		return nil
	})
	return out, err
}

// exactRowDistance aggregates the exact distance of one row: minimum over
// sub-vector slots per query vector, summed over query vectors. Returns
// false for rows with non-finite values, which are never rankable.
func exactRowDistance(queries [][]float32, slots [][]float32, metric distance.Metric) (float32, bool) {
	if len(slots) == 0 {
		return 0, false
	}
	var total float32
	for _, q := range queries {
		best := float32(math.Inf(1))
		for _, v := range slots {
			if len(v) != len(q) {
				continue
			}
			d := exactDistance(q, v, metric)
			if d < best {
				best = d
			}
		}
		if isNonFinite(best) {
			return 0, false
		}
		total += best
	}
	if isNonFinite(total) {
		return 0, false
	}
	return total, true
}

func exactDistance(q, v []float32, metric distance.Metric) float32 {
	switch metric {
	case distance.MetricCosine:
		return distance.CosineDistance(q, v)
	case distance.MetricDot:
		return distance.NegativeDot(q, v)
	case distance.MetricHamming:
		qa := make([]byte, len(q))
		va := make([]byte, len(v))
		for i := range q {
			qa[i] = byte(q[i])
			va[i] = byte(v[i])
		}
		return distance.Hamming(qa, va)
	default:
		return distance.SquaredL2(q, v)
	}
}

func isNonFinite(f float32) bool {
	f64 := float64(f)
	return math.IsNaN(f64) || math.IsInf(f64, 0)
}

func sortResults(r []Result) {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Distance == r[j].Distance {
			return r[i].RowID < r[j].RowID
		}
		return r[i].Distance < r[j].Distance
	})
}

func fragmentIDs(frags []dataset.Fragment) []uint64 {
	out := make([]uint64, len(frags))
	for i, f := range frags {
		out[i] = f.ID
	}
	return out
}
