package memds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/dataset"
)

func newStore() *Store {
	return New(dataset.Column{Name: "vec", Dim: 2, ElementType: dataset.Float32})
}

func TestAppendAssignsFragmentIDs(t *testing.T) {
	s := newStore()

	f0 := s.Append([][]float32{{1, 2}, {3, 4}})
	f1 := s.Append([][]float32{{5, 6}})

	assert.Equal(t, uint64(0), f0)
	assert.Equal(t, uint64(1), f1)
	assert.Equal(t, 3, s.NumRows())

	frags := s.Fragments()
	require.Len(t, frags, 2)
	assert.Equal(t, dataset.Fragment{ID: 0, NumRows: 2}, frags[0])
	assert.Equal(t, dataset.Fragment{ID: 1, NumRows: 1}, frags[1])
}

func TestColumnLookup(t *testing.T) {
	s := newStore()

	col, err := s.Column("vec")
	require.NoError(t, err)
	assert.Equal(t, 2, col.Dim)

	_, err = s.Column("nope")
	assert.ErrorContains(t, err, "no vector column")
}

func TestScanSkipsDeletedRows(t *testing.T) {
	s := newStore()
	frag := s.Append([][]float32{{0, 0}, {1, 1}, {2, 2}, {3, 3}})
	s.Delete(dataset.RowID(frag, 1), dataset.RowID(frag, 3))

	var seen []uint64
	err := s.Scan(context.Background(), "vec", nil, func(rowID uint64, vectors [][]float32) error {
		seen = append(seen, rowID)
		require.Len(t, vectors, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{dataset.RowID(frag, 0), dataset.RowID(frag, 2)}, seen)
	assert.Equal(t, 2, s.NumRows())
}

func TestScanFragmentSubset(t *testing.T) {
	s := newStore()
	s.Append([][]float32{{0, 0}})
	f1 := s.Append([][]float32{{1, 1}, {2, 2}})

	var seen []uint64
	err := s.Scan(context.Background(), "vec", []uint64{f1}, func(rowID uint64, _ [][]float32) error {
		seen = append(seen, rowID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{dataset.RowID(f1, 0), dataset.RowID(f1, 1)}, seen)
}

func TestDeleteWhere(t *testing.T) {
	s := newStore()
	frag := s.Append([][]float32{{0, 0}, {1, 1}, {2, 2}, {3, 3}})

	s.DeleteWhere(func(_ uint64, vectors [][]float32) bool {
		return vectors[0][0] >= 2
	})

	assert.Equal(t, 2, s.NumRows())
	assert.True(t, s.Deletions().Contains(dataset.RowID(frag, 2)))
	assert.True(t, s.Deletions().Contains(dataset.RowID(frag, 3)))
	assert.False(t, s.Deletions().Contains(dataset.RowID(frag, 0)))
}

func TestTakeOmitsDeletedAndMissing(t *testing.T) {
	s := newStore()
	frag := s.Append([][]float32{{0, 0}, {1, 1}})
	s.Delete(dataset.RowID(frag, 1))

	got, err := s.Take(context.Background(), "vec", []uint64{
		dataset.RowID(frag, 0),
		dataset.RowID(frag, 1),  // deleted
		dataset.RowID(frag, 99), // out of range
		dataset.RowID(7, 0),     // unknown fragment
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, [][]float32{{0, 0}}, got[dataset.RowID(frag, 0)])
}

func TestAppendMulti(t *testing.T) {
	s := New(dataset.Column{Name: "vec", Dim: 2, ElementType: dataset.Float32, Multi: true})
	frag := s.AppendMulti([][][]float32{
		{{0, 0}, {9, 9}},
		{{1, 1}},
	})

	err := s.Scan(context.Background(), "vec", nil, func(rowID uint64, vectors [][]float32) error {
		if dataset.OffsetOf(rowID) == 0 {
			assert.Len(t, vectors, 2)
		} else {
			assert.Len(t, vectors, 1)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, s.MustVector(dataset.RowID(frag, 0)))
}

func TestDeletionsReturnsSnapshot(t *testing.T) {
	s := newStore()
	frag := s.Append([][]float32{{0, 0}, {1, 1}})
	s.Delete(dataset.RowID(frag, 0))

	snap := s.Deletions()
	snap.Add(dataset.RowID(frag, 1))

	// Mutating the snapshot must not touch the store.
	assert.Equal(t, 1, s.NumRows())
	assert.False(t, s.Deletions().Contains(dataset.RowID(frag, 1)))
}

func TestMustVectorPanicsOnMissingRow(t *testing.T) {
	s := newStore()
	assert.Panics(t, func() { s.MustVector(dataset.RowID(0, 0)) })
}
