// Package index holds the shared vocabulary of the vector index engine:
// index types, immutable generation metadata, loaded partition data and the
// statistics surfaced to callers.
package index

import (
	"fmt"
	"time"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/quant"
)

// Type enumerates the supported index layouts: IVF coarse partitioning
// combined with a per-partition codec or graph.
type Type uint8

const (
	IVFFlat Type = iota
	IVFPQ
	IVFSQ
	IVFHNSWFlat
	IVFHNSWPQ
	IVFHNSWSQ
)

// ParseType parses the wire name of an index type.
func ParseType(s string) (Type, error) {
	switch s {
	case "IVF_FLAT":
		return IVFFlat, nil
	case "IVF_PQ":
		return IVFPQ, nil
	case "IVF_SQ":
		return IVFSQ, nil
	case "IVF_HNSW_FLAT":
		return IVFHNSWFlat, nil
	case "IVF_HNSW_PQ":
		return IVFHNSWPQ, nil
	case "IVF_HNSW_SQ":
		return IVFHNSWSQ, nil
	default:
		return 0, fmt.Errorf("unsupported index type: %q", s)
	}
}

func (t Type) String() string {
	switch t {
	case IVFFlat:
		return "IVF_FLAT"
	case IVFPQ:
		return "IVF_PQ"
	case IVFSQ:
		return "IVF_SQ"
	case IVFHNSWFlat:
		return "IVF_HNSW_FLAT"
	case IVFHNSWPQ:
		return "IVF_HNSW_PQ"
	case IVFHNSWSQ:
		return "IVF_HNSW_SQ"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// UsesGraph reports whether partitions carry an HNSW graph instead of a flat
// code array.
func (t Type) UsesGraph() bool {
	switch t {
	case IVFHNSWFlat, IVFHNSWPQ, IVFHNSWSQ:
		return true
	default:
		return false
	}
}

// CodecKind returns the partition payload codec for the index type under the
// given metric. IVF_FLAT over the hamming metric packs to the binary codec.
func (t Type) CodecKind(metric distance.Metric) quant.Kind {
	switch t {
	case IVFPQ, IVFHNSWPQ:
		return quant.KindPQ
	case IVFSQ, IVFHNSWSQ:
		return quant.KindSQ
	default:
		if metric == distance.MetricHamming {
			return quant.KindBinary
		}
		return quant.KindFlat
	}
}

// FileVersion tags the persisted artifact layout for forward-compatible
// reads.
type FileVersion uint32

const (
	// FileVersionLegacy is the pre-refactor layout; readable, never written.
	FileVersionLegacy FileVersion = 2
	// FileVersionStable is the current layout.
	FileVersionStable FileVersion = 3
)

func (v FileVersion) String() string {
	switch v {
	case FileVersionLegacy:
		return "V2"
	case FileVersionStable:
		return "V3"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(v))
	}
}

// SubIndexParams carries the codec / graph knobs of an index.
type SubIndexParams struct {
	NumSubVectors  int `json:"num_sub_vectors,omitempty"`
	NumBits        int `json:"num_bits,omitempty"`
	M              int `json:"m,omitempty"`
	EFConstruction int `json:"ef_construction,omitempty"`
}

// Metadata describes one immutable index generation. A retrain or delta
// build always creates a new UUID; generations are never mutated in place.
type Metadata struct {
	UUID          string          `json:"uuid"`
	Name          string          `json:"name"`
	Column        string          `json:"column"`
	Type          Type            `json:"index_type"`
	Metric        distance.Metric `json:"metric"`
	NumPartitions int             `json:"num_partitions"`
	Dim           int             `json:"dim"`
	Multi         bool            `json:"multi,omitempty"`
	SubIndex      SubIndexParams  `json:"sub_index"`
	FileVersion   FileVersion     `json:"format_version"`
	// Loss is the final k-means training loss of the partitioner.
	Loss float64 `json:"loss"`
	// Fragments are the dataset fragment ids covered by this generation.
	Fragments []uint64  `json:"fragment_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// Covers reports whether the generation covers the given fragment.
func (m *Metadata) Covers(fragmentID uint64) bool {
	for _, f := range m.Fragments {
		if f == fragmentID {
			return true
		}
	}
	return false
}

// Partition is one loaded IVF partition: the ordered row ids plus either a
// flat code array or a graph over the same ordinals.
type Partition struct {
	ID     int
	RowIDs []uint64
	Codes  [][]byte
	Graph  *hnsw.Graph
}

// Size returns the number of rows in the partition.
func (p *Partition) Size() int { return len(p.RowIDs) }

// PartitionStats is the per-partition statistic exposed by index_stats.
type PartitionStats struct {
	Size int `json:"size"`
}

// Stats is the introspection payload for one index name (primary generation
// plus any deltas).
type Stats struct {
	IndexType        string           `json:"index_type"`
	UUID             string           `json:"uuid"`
	URI              string           `json:"uri"`
	MetricType       string           `json:"metric_type"`
	NumPartitions    int              `json:"num_partitions"`
	SubIndex         SubIndexParams   `json:"sub_index"`
	Partitions       []PartitionStats `json:"partitions"`
	Centroids        []float32        `json:"centroids"`
	Loss             float64          `json:"loss"`
	NumIndexedRows   int              `json:"num_indexed_rows"`
	NumUnindexedRows int              `json:"num_unindexed_rows"`
	IndexFileVersion FileVersion      `json:"index_file_version"`
}
