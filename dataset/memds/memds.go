// Package memds provides an in-memory dataset.Store.
//
// It exists for tests, examples and as the reference implementation of the
// storage contract: fragments are append-only, deletes go through a shared
// roaring deletion vector, and scans skip deleted rows.
package memds

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/quiverdb/quiver/dataset"
)

// Store is an in-memory columnar store holding a single vector column.
type Store struct {
	mu       sync.RWMutex
	column   dataset.Column
	frags    []fragment
	nextFrag uint64
	deleted  *roaring64.Bitmap
}

type fragment struct {
	id   uint64
	rows [][][]float32 // row -> sub-vector slot -> values
}

// New creates an empty store for the given column.
func New(column dataset.Column) *Store {
	return &Store{
		column:  column,
		deleted: roaring64.New(),
	}
}

// Append adds a new fragment of plain (single-vector) rows and returns its id.
func (s *Store) Append(vectors [][]float32) uint64 {
	rows := make([][][]float32, len(vectors))
	for i, v := range vectors {
		rows[i] = [][]float32{v}
	}
	return s.AppendMulti(rows)
}

// AppendMulti adds a new fragment of multi-vector rows and returns its id.
func (s *Store) AppendMulti(rows [][][]float32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextFrag
	s.nextFrag++
	s.frags = append(s.frags, fragment{id: id, rows: rows})
	return id
}

// Delete marks rows as deleted.
func (s *Store) Delete(rowIDs ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted.AddMany(rowIDs)
}

// DeleteWhere deletes every live row for which pred returns true.
func (s *Store) DeleteWhere(pred func(rowID uint64, vectors [][]float32) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.frags {
		for off, row := range f.rows {
			id := dataset.RowID(f.id, uint32(off))
			if s.deleted.Contains(id) {
				continue
			}
			if pred(id, row) {
				s.deleted.Add(id)
			}
		}
	}
}

// Column implements dataset.Store.
func (s *Store) Column(name string) (dataset.Column, error) {
	if name != s.column.Name {
		return dataset.Column{}, fmt.Errorf("memds: no vector column named %q", name)
	}
	return s.column, nil
}

// Fragments implements dataset.Store.
func (s *Store) Fragments() []dataset.Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dataset.Fragment, len(s.frags))
	for i, f := range s.frags {
		out[i] = dataset.Fragment{ID: f.id, NumRows: len(f.rows)}
	}
	return out
}

// NumRows implements dataset.Store.
func (s *Store) NumRows() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, f := range s.frags {
		total += len(f.rows)
	}
	return total - int(s.deleted.GetCardinality())
}

// Scan implements dataset.Store.
func (s *Store) Scan(ctx context.Context, column string, fragments []uint64, fn dataset.ScanFunc) error {
	if _, err := s.Column(column); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := map[uint64]bool{}
	for _, id := range fragments {
		wanted[id] = true
	}

	for _, f := range s.frags {
		if fragments != nil && !wanted[f.id] {
			continue
		}
		for off, row := range f.rows {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			id := dataset.RowID(f.id, uint32(off))
			if s.deleted.Contains(id) {
				continue
			}
			if err := fn(id, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// Take implements dataset.Store.
func (s *Store) Take(ctx context.Context, column string, rowIDs []uint64) (map[uint64][][]float32, error) {
	if _, err := s.Column(column); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[uint64]fragment, len(s.frags))
	for _, f := range s.frags {
		byID[f.id] = f
	}

	out := make(map[uint64][][]float32, len(rowIDs))
	for _, id := range rowIDs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.deleted.Contains(id) {
			continue
		}
		f, ok := byID[dataset.FragmentOf(id)]
		if !ok {
			continue
		}
		off := int(dataset.OffsetOf(id))
		if off >= len(f.rows) {
			continue
		}
		out[id] = f.rows[off]
	}
	return out, nil
}

// MustVector returns the first sub-vector slot of a row, panicking when the
// row does not exist. Test convenience.
func (s *Store) MustVector(rowID uint64) []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.frags {
		if f.id != dataset.FragmentOf(rowID) {
			continue
		}
		off := int(dataset.OffsetOf(rowID))
		if off < len(f.rows) {
			return f.rows[off][0]
		}
	}
	panic(fmt.Sprintf("memds: no row %d", rowID))
}

// Deletions implements dataset.Store.
func (s *Store) Deletions() *roaring64.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted.Clone()
}

var _ dataset.Store = (*Store)(nil)
