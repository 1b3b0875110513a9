package quiver

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/internal/artifact"
	"github.com/quiverdb/quiver/searcher"
)

// IndexStats returns the introspection payload of an index: primary
// generation layout, per-partition sizes, training loss and coverage
// counters.
func (e *Engine) IndexStats(ctx context.Context, name string) (*index.Stats, error) {
	entry, err := e.entryFor(name)
	if err != nil {
		return nil, err
	}
	defer releaseAll(entry.gens)

	primary := entry.primary()
	meta := primary.Metadata()
	reader := primary.Reader()

	parts := make([]index.PartitionStats, reader.NumPartitions())
	indexed := 0
	for pid := range parts {
		rows, err := reader.PartitionRows(pid)
		if err != nil {
			return nil, translateError(err)
		}
		parts[pid] = index.PartitionStats{Size: rows}
		indexed += rows
	}
	// Delta generations hold indexed rows too.
	for _, g := range entry.gens[1:] {
		r := g.Reader()
		for pid := 0; pid < r.NumPartitions(); pid++ {
			rows, err := r.PartitionRows(pid)
			if err != nil {
				return nil, translateError(err)
			}
			indexed += rows
		}
	}

	unindexed, err := e.unindexedRows(ctx, entry)
	if err != nil {
		return nil, err
	}

	return &index.Stats{
		IndexType:        meta.Type.String(),
		UUID:             meta.UUID,
		URI:              artifact.Path(meta.UUID),
		MetricType:       meta.Metric.String(),
		NumPartitions:    meta.NumPartitions,
		SubIndex:         meta.SubIndex,
		Partitions:       parts,
		Centroids:        primary.Centroids(),
		Loss:             meta.Loss,
		NumIndexedRows:   indexed,
		NumUnindexedRows: unindexed,
		IndexFileVersion: meta.FileVersion,
	}, nil
}

// unindexedRows counts live rows in fragments no generation covers.
func (e *Engine) unindexedRows(_ context.Context, entry *indexEntry) (int, error) {
	covered := entry.coveredFragments()
	rows := 0
	for _, f := range e.store.Fragments() {
		if _, ok := covered[f.ID]; !ok {
			rows += f.NumRows
		}
	}
	return rows, nil
}

// PartitionRow is one row of ReadPartition output.
type PartitionRow struct {
	RowID uint64
	// Code is the stored payload code; nil for graph-only partitions.
	Code []byte
	// Vector is the decoded (possibly approximate) vector; populated only
	// when requested.
	Vector []float32
}

// ReadPartition returns the rows of one partition of the primary
// generation, optionally decoding stored codes back to vectors. Quantized
// codecs decode to approximations; flat partitions decode exactly.
func (e *Engine) ReadPartition(ctx context.Context, name string, partID int, withVector bool) ([]PartitionRow, error) {
	entry, err := e.entryFor(name)
	if err != nil {
		return nil, err
	}
	defer releaseAll(entry.gens)
	primary := entry.primary()

	if partID < 0 || partID >= primary.Reader().NumPartitions() {
		return nil, notFoundf("partition id %d out of range [0,%d) for index %q",
			partID, primary.Reader().NumPartitions(), name)
	}
	p, err := primary.Partition(ctx, partID)
	if err != nil {
		return nil, translateError(err)
	}

	quantizer := primary.Reader().Quantizer()
	rows := make([]PartitionRow, len(p.RowIDs))
	for i, rowID := range p.RowIDs {
		rows[i].RowID = rowID
		if i < len(p.Codes) {
			rows[i].Code = p.Codes[i]
		}
		if !withVector {
			continue
		}
		switch {
		case p.Graph != nil:
			vec, err := p.Graph.Vector(uint32(i))
			if err != nil {
				return nil, err
			}
			rows[i].Vector = vec
		case i < len(p.Codes):
			vec, err := quantizer.Decode(p.Codes[i])
			if err != nil {
				return nil, err
			}
			rows[i].Vector = vec
		}
	}
	return rows, nil
}

// validateProbes is how many indexed rows ValidateIndex re-queries.
const validateProbes = 16

// ValidateIndex samples indexed rows and re-queries the index expecting
// each row to recover itself. A failure indicates a semantically wrong
// artifact (for example an index trained against the wrong table) and is
// reported as ErrSanityCheck.
func (e *Engine) ValidateIndex(ctx context.Context, name string) error {
	entry, err := e.entryFor(name)
	if err != nil {
		return err
	}
	defer releaseAll(entry.gens)
	meta := entry.primary().Metadata()

	covered := entry.coveredFragments()
	frags := make([]uint64, 0, len(covered))
	for f := range covered {
		frags = append(frags, f)
	}

	type sample struct {
		rowID uint64
		vec   []float32
	}
	var samples []sample
	rng := rand.New(rand.NewSource(int64(len(covered))))
	seen := 0
	err = e.store.Scan(ctx, entry.column, frags, func(rowID uint64, vectors [][]float32) error {
		seen++
		// Reservoir keeps a uniform sample without buffering the column.
		s := sample{rowID: rowID, vec: append([]float32(nil), vectors[0]...)}
		if len(samples) < validateProbes {
			samples = append(samples, s)
		} else if j := rng.Intn(seen); j < validateProbes {
			samples[j] = s
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, s := range samples {
		resp, err := e.exec.Search(ctx, entry.gens, &searcher.Request{
			Column:     entry.column,
			Queries:    [][]float32{s.vec},
			K:          10,
			Nprobes:    meta.NumPartitions,
			UseIndex:   true,
			FastSearch: true,
		})
		if err != nil {
			return translateError(err)
		}
		if !containsRow(resp.Results, s.rowID) {
			return fmt.Errorf("%w: index %q cannot recover its own row %d", ErrSanityCheck, name, s.rowID)
		}
	}
	return nil
}

func containsRow(results []searcher.Result, rowID uint64) bool {
	for _, r := range results {
		if r.RowID == rowID {
			return true
		}
	}
	return false
}
