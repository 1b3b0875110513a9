package builder

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/internal/artifact"
	"github.com/quiverdb/quiver/searcher"
)

// ErrSanityCheck reports a structurally valid index that cannot recover its
// own rows, which points at a semantically wrong build (for example an
// index trained against the wrong column or table).
type ErrSanityCheck struct {
	UUID  string
	RowID uint64
}

func (e *ErrSanityCheck) Error() string {
	return fmt.Sprintf("builder: sanity check failed: indexed row %d not recoverable from freshly built index %s", e.RowID, e.UUID)
}

const sanityProbes = 5

// sanityCheck re-queries a handful of indexed rows against the freshly
// written artifact and expects each row to rank among the nearest results
// for its own vector.
func (b *Builder) sanityCheck(ctx context.Context, meta *index.Metadata, entries []entry, seed int64) error {
	if len(entries) == 0 {
		return nil
	}

	reader, err := artifact.Open(ctx, b.blobs, meta.UUID)
	if err != nil {
		return err
	}
	defer reader.Close()

	gen := searcher.NewGeneration(reader, nil)
	exec := searcher.New(b.store)

	rng := rand.New(rand.NewSource(seed))
	probes := sanityProbes
	if probes > len(entries) {
		probes = len(entries)
	}

	for i := 0; i < probes; i++ {
		ent := entries[rng.Intn(len(entries))]
		resp, err := exec.Search(ctx, []*searcher.Generation{gen}, &searcher.Request{
			Column:   meta.Column,
			Queries:  [][]float32{ent.vec},
			K:        10,
			Nprobes:  meta.NumPartitions,
			UseIndex: true,
			// The deleted-rows behavior of the live dataset must not mask
			// a structural failure here, so the probe is raw.
			FastSearch: true,
		})
		if err != nil {
			return err
		}
		found := false
		for _, r := range resp.Results {
			if r.RowID == ent.rowID {
				found = true
				break
			}
		}
		if !found {
			return &ErrSanityCheck{UUID: meta.UUID, RowID: ent.rowID}
		}
	}
	return nil
}
