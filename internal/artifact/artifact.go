// Package artifact reads and writes the persisted form of one index
// generation: a single immutable file named by the generation UUID.
//
// Layout:
//
//	[magic uint32][file version uint32]
//	[metadata section]    zstd
//	[centroids section]   zstd
//	[codec section]       zstd
//	[partition blocks...] lz4, one per partition
//	[partition table]     zstd
//	[footer]              fixed size, section offsets + CRC
//
// Every section is prefixed with a CRC32 of its block bytes. The footer is
// at the end of the file so a reader needs exactly two ranged reads (footer,
// then head sections) before it can serve lazy per-partition loads.
package artifact

import (
	"fmt"
	"time"

	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/quant"
)

const (
	magic = 0x51565849 // "QVXI"

	// footer: 4 section offset/length pairs + crc + magic
	footerSize = 8*8 + 4 + 4
)

// Path returns the blob name of a generation's index file.
func Path(uuid string) string {
	return "indices/" + uuid + "/index.qvi"
}

// Prefix returns the blob name prefix holding a generation's files.
func Prefix(uuid string) string {
	return "indices/" + uuid + "/"
}

func encodeMetadata(m *index.Metadata) ([]byte, error) {
	pb := newPayloadBuffer(make([]byte, 0, 256))
	pb.writeString(m.UUID)
	pb.writeString(m.Name)
	pb.writeString(m.Column)
	pb.writeUint8(uint8(m.Type))
	pb.writeUint8(uint8(m.Metric))
	pb.writeUint32(uint32(m.NumPartitions))
	pb.writeUint32(uint32(m.Dim))
	pb.writeBool(m.Multi)
	pb.writeUint32(uint32(m.SubIndex.NumSubVectors))
	pb.writeUint32(uint32(m.SubIndex.NumBits))
	pb.writeUint32(uint32(m.SubIndex.M))
	pb.writeUint32(uint32(m.SubIndex.EFConstruction))
	pb.writeUint32(uint32(m.FileVersion))
	pb.writeFloat64(m.Loss)
	pb.writeUint64s(m.Fragments)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	if pb.err != nil {
		return nil, pb.err
	}
	return pb.buf, nil
}

func decodeMetadata(data []byte) (*index.Metadata, error) {
	pb := newPayloadBuffer(data)
	m := &index.Metadata{}
	m.UUID = pb.readString()
	m.Name = pb.readString()
	m.Column = pb.readString()
	m.Type = index.Type(pb.readUint8())
	m.Metric = distance.Metric(pb.readUint8())
	m.NumPartitions = int(pb.readUint32())
	m.Dim = int(pb.readUint32())
	m.Multi = pb.readBool()
	m.SubIndex.NumSubVectors = int(pb.readUint32())
	m.SubIndex.NumBits = int(pb.readUint32())
	m.SubIndex.M = int(pb.readUint32())
	m.SubIndex.EFConstruction = int(pb.readUint32())
	m.FileVersion = index.FileVersion(pb.readUint32())
	m.Loss = pb.readFloat64()
	m.Fragments = pb.readUint64s()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	if pb.err != nil {
		return nil, fmt.Errorf("artifact: decode metadata: %w", pb.err)
	}
	return m, nil
}

func encodeQuantizer(q quant.Quantizer, dim int) ([]byte, error) {
	pb := newPayloadBuffer(make([]byte, 0, 64))
	pb.writeUint8(uint8(q.Kind()))
	pb.writeUint32(uint32(dim))

	switch tq := q.(type) {
	case *quant.FlatQuantizer:
		pb.writeUint8(uint8(tq.Element()))
	case *quant.ProductQuantizer:
		pb.writeUint32(uint32(tq.NumSubVectors()))
		pb.writeUint8(uint8(tq.NumBits()))
		pb.writeFloat32s(tq.Codebook())
	case *quant.ScalarQuantizer:
		mins, invScales := tq.Bounds()
		pb.writeFloat32s(mins)
		pb.writeFloat32s(invScales)
	case *quant.BinaryQuantizer:
		pb.writeFloat32s(tq.Thresholds())
	default:
		return nil, fmt.Errorf("artifact: unsupported codec %T", q)
	}
	if pb.err != nil {
		return nil, pb.err
	}
	return pb.buf, nil
}

func decodeQuantizer(data []byte) (quant.Quantizer, error) {
	pb := newPayloadBuffer(data)
	kind := quant.Kind(pb.readUint8())
	dim := int(pb.readUint32())
	if pb.err != nil {
		return nil, fmt.Errorf("artifact: decode codec: %w", pb.err)
	}

	switch kind {
	case quant.KindFlat:
		elem := dataset.ElementType(pb.readUint8())
		if pb.err != nil {
			return nil, pb.err
		}
		return quant.NewFlatQuantizer(dim, elem), nil
	case quant.KindPQ:
		m := int(pb.readUint32())
		bits := int(pb.readUint8())
		codebook := pb.readFloat32s()
		if pb.err != nil {
			return nil, pb.err
		}
		pq, err := quant.NewProductQuantizer(dim, m, bits)
		if err != nil {
			return nil, err
		}
		if err := pq.SetCodebook(codebook); err != nil {
			return nil, err
		}
		return pq, nil
	case quant.KindSQ:
		mins := pb.readFloat32s()
		invScales := pb.readFloat32s()
		if pb.err != nil {
			return nil, pb.err
		}
		sq := quant.NewScalarQuantizer(dim)
		if err := sq.SetBounds(mins, invScales); err != nil {
			return nil, err
		}
		return sq, nil
	case quant.KindBinary:
		thresholds := pb.readFloat32s()
		if pb.err != nil {
			return nil, pb.err
		}
		bq := quant.NewBinaryQuantizer(dim)
		if err := bq.SetThresholds(thresholds); err != nil {
			return nil, err
		}
		return bq, nil
	default:
		return nil, fmt.Errorf("artifact: unknown codec kind %d", kind)
	}
}

func encodePartition(p *index.Partition) ([]byte, error) {
	size := 16 + len(p.RowIDs)*8
	for _, c := range p.Codes {
		size += len(c)
	}
	pb := newPayloadBuffer(make([]byte, 0, size))
	pb.writeUint64s(p.RowIDs)

	if len(p.Codes) > 0 {
		pb.writeBool(true)
		pb.writeUint32(uint32(len(p.Codes[0])))
		for _, c := range p.Codes {
			if len(c) != len(p.Codes[0]) {
				return nil, fmt.Errorf("artifact: ragged code array in partition %d", p.ID)
			}
			pb.buf = append(pb.buf, c...)
		}
	} else {
		pb.writeBool(false)
	}

	if p.Graph != nil {
		pb.writeBool(true)
		pb.buf = p.Graph.AppendBinary(pb.buf)
	} else {
		pb.writeBool(false)
	}

	if pb.err != nil {
		return nil, pb.err
	}
	return pb.buf, nil
}

func decodePartition(id int, data []byte, quantizer quant.Quantizer) (*index.Partition, error) {
	pb := newPayloadBuffer(data)
	p := &index.Partition{ID: id}
	p.RowIDs = pb.readUint64s()

	if pb.readBool() {
		codeSize := int(pb.readUint32())
		if pb.err != nil {
			return nil, pb.err
		}
		n := len(p.RowIDs)
		if pb.pos+n*codeSize > len(pb.buf) {
			return nil, fmt.Errorf("artifact: truncated code array in partition %d", id)
		}
		p.Codes = make([][]byte, n)
		for i := range p.Codes {
			p.Codes[i] = pb.buf[pb.pos : pb.pos+codeSize : pb.pos+codeSize]
			pb.pos += codeSize
		}
	}

	if pb.readBool() {
		if pb.err != nil {
			return nil, pb.err
		}
		graph, err := hnsw.DecodeBinary(pb.buf[pb.pos:], quantizer)
		if err != nil {
			return nil, fmt.Errorf("artifact: partition %d graph: %w", id, err)
		}
		p.Graph = graph
		return p, nil
	}

	if pb.err != nil {
		return nil, fmt.Errorf("artifact: decode partition %d: %w", id, pb.err)
	}
	return p, nil
}
