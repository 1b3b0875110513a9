package quiver

import (
	"context"
	"time"

	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/searcher"
)

// SearchResult is one ranked row.
type SearchResult struct {
	RowID    uint64
	Distance float32
}

// Search creates a fluent search builder for a single query vector against
// the given column.
//
// Example:
//
//	results, err := eng.Search("embedding", query).
//	    KNN(10).
//	    Nprobes(20).
//	    RefineFactor(4).
//	    Execute(ctx)
func (e *Engine) Search(column string, query []float32) *SearchBuilder {
	return &SearchBuilder{
		engine:  e,
		column:  column,
		queries: [][]float32{query},
		k:       10,
	}
}

// MultiSearch creates a search builder over several query vectors; per-row
// distances are summed across the vectors. Exactly k results are not
// guaranteed for multi-vector queries.
func (e *Engine) MultiSearch(column string, queries [][]float32) *SearchBuilder {
	return &SearchBuilder{
		engine:  e,
		column:  column,
		queries: queries,
		k:       10,
	}
}

// SearchBuilder accumulates request options before execution.
type SearchBuilder struct {
	engine  *Engine
	column  string
	queries [][]float32
	k       int
	limit   int

	nprobes        int
	minimumNprobes int
	maximumNprobes int
	refineFactor   int

	metric    *distance.Metric
	filter    func(rowID uint64) bool
	prefilter bool
	fragments []uint64

	noIndex            bool
	fastSearch         bool
	withRowID          bool
	includeDeletedRows bool
}

// KNN sets the number of nearest neighbors to return.
func (sb *SearchBuilder) KNN(k int) *SearchBuilder {
	sb.k = k
	return sb
}

// Limit truncates the result set below k.
func (sb *SearchBuilder) Limit(limit int) *SearchBuilder {
	sb.limit = limit
	return sb
}

// Nprobes pins the number of probed partitions, disabling adaptive probing.
func (sb *SearchBuilder) Nprobes(n int) *SearchBuilder {
	sb.nprobes = n
	return sb
}

// MinimumNprobes sets the adaptive probing floor.
func (sb *SearchBuilder) MinimumNprobes(n int) *SearchBuilder {
	sb.minimumNprobes = n
	return sb
}

// MaximumNprobes sets the adaptive probing ceiling; 0 means unbounded.
func (sb *SearchBuilder) MaximumNprobes(n int) *SearchBuilder {
	sb.maximumNprobes = n
	return sb
}

// RefineFactor over-fetches r*k approximate candidates and reranks them
// against exact vectors. Values below 2 disable refinement.
func (sb *SearchBuilder) RefineFactor(r int) *SearchBuilder {
	sb.refineFactor = r
	return sb
}

// Metric overrides the metric the index was built with.
func (sb *SearchBuilder) Metric(m distance.Metric) *SearchBuilder {
	sb.metric = &m
	return sb
}

// Filter keeps only rows for which fn returns true. By default the filter
// runs after ranking (postfilter); see Prefilter.
func (sb *SearchBuilder) Filter(fn func(rowID uint64) bool) *SearchBuilder {
	sb.filter = fn
	return sb
}

// Prefilter applies the filter during candidate generation instead of after
// ranking, so filtered-out rows never consume candidate slots.
func (sb *SearchBuilder) Prefilter() *SearchBuilder {
	sb.prefilter = true
	return sb
}

// WithinFragments restricts the search to rows of the given fragments.
// Combining a fragment subset with an ANN index requires Prefilter;
// otherwise the request is rejected as unsupported.
func (sb *SearchBuilder) WithinFragments(fragments ...uint64) *SearchBuilder {
	sb.fragments = fragments
	return sb
}

// NoIndex forces an exhaustive flat scan even when an index exists.
func (sb *SearchBuilder) NoIndex() *SearchBuilder {
	sb.noIndex = true
	return sb
}

// FastSearch skips the flat-scan merge over unindexed fragments: results
// reflect only the most recent optimized index generations.
func (sb *SearchBuilder) FastSearch() *SearchBuilder {
	sb.fastSearch = true
	return sb
}

// WithRowID requests row-id semantics on the results.
func (sb *SearchBuilder) WithRowID() *SearchBuilder {
	sb.withRowID = true
	return sb
}

// IncludeDeletedRows keeps rows deleted after the index build in the
// results. Incompatible with WithRowID.
func (sb *SearchBuilder) IncludeDeletedRows() *SearchBuilder {
	sb.includeDeletedRows = true
	return sb
}

// request resolves the builder into an executor request plus the matching
// generations. It returns an ErrUnsupported for an ANN scan over a fragment
// subset without a prefilter.
func (sb *SearchBuilder) request() (*searcher.Request, []*searcher.Generation, error) {
	gens := sb.engine.generationsFor(sb.column)
	if sb.noIndex {
		releaseAll(gens)
		gens = nil
	}

	filter := sb.filter
	if sb.fragments != nil {
		if len(gens) > 0 && !sb.prefilter {
			releaseAll(gens)
			return nil, nil, unsupportedf("ANN search over a fragment subset requires a prefilter")
		}
		inSubset := make(map[uint64]struct{}, len(sb.fragments))
		for _, f := range sb.fragments {
			inSubset[f] = struct{}{}
		}
		user := filter
		filter = func(rowID uint64) bool {
			if _, ok := inSubset[dataset.FragmentOf(rowID)]; !ok {
				return false
			}
			return user == nil || user(rowID)
		}
	}

	return &searcher.Request{
		Column:             sb.column,
		Queries:            sb.queries,
		K:                  sb.k,
		Limit:              sb.limit,
		Nprobes:            sb.nprobes,
		MinimumNprobes:     sb.minimumNprobes,
		MaximumNprobes:     sb.maximumNprobes,
		RefineFactor:       sb.refineFactor,
		Metric:             sb.metric,
		Filter:             filter,
		Prefilter:          sb.prefilter,
		UseIndex:           !sb.noIndex,
		FastSearch:         sb.fastSearch,
		WithRowID:          sb.withRowID,
		IncludeDeletedRows: sb.includeDeletedRows,
	}, gens, nil
}

// Execute runs the search and returns the ranked rows.
func (sb *SearchBuilder) Execute(ctx context.Context) ([]SearchResult, error) {
	resp, err := sb.execute(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = SearchResult{RowID: r.RowID, Distance: r.Distance}
	}
	return out, nil
}

// ExecuteWithPlan runs the search and also returns the executed query plan.
func (sb *SearchBuilder) ExecuteWithPlan(ctx context.Context) ([]SearchResult, searcher.Plan, error) {
	resp, err := sb.execute(ctx)
	if err != nil {
		return nil, searcher.Plan{}, err
	}
	out := make([]SearchResult, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = SearchResult{RowID: r.RowID, Distance: r.Distance}
	}
	return out, resp.Plan, nil
}

func (sb *SearchBuilder) execute(ctx context.Context) (*searcher.Response, error) {
	started := time.Now()
	req, gens, err := sb.request()
	if err != nil {
		sb.engine.metrics.RecordSearch(sb.k, time.Since(started), err)
		return nil, err
	}
	defer releaseAll(gens)

	resp, err := sb.engine.exec.Search(ctx, gens, req)
	sb.engine.metrics.RecordSearch(sb.k, time.Since(started), err)
	if err != nil {
		sb.engine.logger.LogSearch(ctx, sb.column, sb.k, 0, time.Since(started), err)
		return nil, translateError(err)
	}
	sb.engine.logger.LogSearch(ctx, sb.column, sb.k, len(resp.Results), time.Since(started), nil)
	return resp, nil
}

// Explain resolves the query plan — probe bounds and whether a combined
// index+flat scan is needed — without probing any partition.
func (sb *SearchBuilder) Explain(ctx context.Context) (searcher.Plan, error) {
	req, gens, err := sb.request()
	if err != nil {
		return searcher.Plan{}, err
	}
	defer releaseAll(gens)
	plan, err := sb.engine.exec.Explain(ctx, gens, req)
	if err != nil {
		return searcher.Plan{}, translateError(err)
	}
	return plan, nil
}

// First returns only the nearest result.
func (sb *SearchBuilder) First(ctx context.Context) (SearchResult, error) {
	sb.k = 1
	results, err := sb.Execute(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	if len(results) == 0 {
		return SearchResult{}, notFoundf("no rows matched the query")
	}
	return results[0], nil
}

// generationsFor returns the generations of every index on the given
// column, primary generations first, with a read reference acquired on each.
// Callers must release them when done.
func (e *Engine) generationsFor(column string) []*searcher.Generation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var gens []*searcher.Generation
	for _, entry := range e.indices {
		if entry.column == column {
			for _, g := range entry.gens {
				g.Acquire()
				gens = append(gens, g)
			}
		}
	}
	return gens
}

func releaseAll(gens []*searcher.Generation) {
	for _, g := range gens {
		_ = g.Release()
	}
}
