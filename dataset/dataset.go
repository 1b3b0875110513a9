// Package dataset defines the contract between the index engine and the
// columnar storage layer it indexes.
//
// The engine never reads fragments directly; it asks a Store for column
// metadata, vector scans, point lookups and the current deletion vector.
// Storage formats, commit protocols and schema evolution live behind this
// interface.
package dataset

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// ElementType is the physical element width of a vector column.
// Centroid dtype is decoupled from the column's element dtype; values are
// widened to float32 at distance-computation time.
type ElementType uint8

const (
	Float32 ElementType = iota
	Float16
	Uint8
)

func (e ElementType) String() string {
	switch e {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Uint8:
		return "uint8"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

// Column describes a fixed-dimension vector column, or a multi-vector column
// where each row holds a variable-length list of equal-dimension vectors.
type Column struct {
	Name        string
	Dim         int
	ElementType ElementType
	Multi       bool
}

// Fragment is a physically contiguous subset of dataset rows.
type Fragment struct {
	ID      uint64
	NumRows int
}

// RowID packs a fragment id and a row offset into a single row address:
// fragment in the high 32 bits, offset in the low 32 bits.
func RowID(fragment uint64, offset uint32) uint64 {
	return fragment<<32 | uint64(offset)
}

// FragmentOf extracts the fragment id from a row id.
func FragmentOf(rowID uint64) uint64 { return rowID >> 32 }

// OffsetOf extracts the row offset within its fragment.
func OffsetOf(rowID uint64) uint32 { return uint32(rowID) }

// ScanFunc receives one row at a time. vectors holds a single element for
// plain vector columns and one element per sub-vector slot for multi-vector
// columns. The callback must not retain the slices.
type ScanFunc func(rowID uint64, vectors [][]float32) error

// Store is the columnar storage collaborator.
//
// Implementations must tolerate concurrent readers. Scans observe a row set
// that is stable for the duration of the call; the deletion vector may move
// forward between calls.
type Store interface {
	// Column returns metadata for a vector column.
	Column(name string) (Column, error)

	// Fragments lists the live fragments in row order.
	Fragments() []Fragment

	// NumRows returns the number of live (non-deleted) rows.
	NumRows() int

	// Scan streams the given column for the given fragments in row order.
	// Deleted rows are skipped. A nil fragments slice scans everything.
	Scan(ctx context.Context, column string, fragments []uint64, fn ScanFunc) error

	// Take fetches raw vectors for specific row ids (refine/rerank path).
	// Missing or deleted rows are absent from the result.
	Take(ctx context.Context, column string, rowIDs []uint64) (map[uint64][][]float32, error)

	// Deletions returns the current deletion vector. The returned bitmap is
	// a snapshot; callers must not mutate it.
	Deletions() *roaring64.Bitmap
}
