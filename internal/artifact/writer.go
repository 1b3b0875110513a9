package artifact

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/quant"
)

// Artifact is the in-memory form of one index generation about to be
// persisted or just loaded.
type Artifact struct {
	Meta       *index.Metadata
	Centroids  []float32
	Quantizer  quant.Quantizer
	Partitions []index.Partition
}

type section struct {
	off, len uint64
}

func appendSection(file []byte, block []byte) ([]byte, section) {
	sec := section{off: uint64(len(file)), len: uint64(len(block)) + 4}
	file = binary.LittleEndian.AppendUint32(file, crc32.ChecksumIEEE(block))
	file = append(file, block...)
	return file, sec
}

// Write serializes the artifact and stores it atomically under the
// generation's blob path. The legacy file version stores sections without
// compression; current files compress metadata with zstd and partitions
// with lz4.
func Write(ctx context.Context, store blobstore.Store, art *Artifact) error {
	if len(art.Partitions) != art.Meta.NumPartitions {
		return fmt.Errorf("artifact: %d partitions for %d-partition metadata",
			len(art.Partitions), art.Meta.NumPartitions)
	}

	headCodec, partCodec := codecZSTD, codecLZ4
	if art.Meta.FileVersion == index.FileVersionLegacy {
		headCodec, partCodec = codecZSTD, codecZSTD
	}

	file := make([]byte, 0, 1<<20)
	file = binary.LittleEndian.AppendUint32(file, magic)
	file = binary.LittleEndian.AppendUint32(file, uint32(art.Meta.FileVersion))

	pack := func(data []byte, codec blockCodec) ([]byte, section, error) {
		block, err := packBlock(data, codec)
		if err != nil {
			return nil, section{}, err
		}
		var sec section
		file, sec = appendSection(file, block)
		return file, sec, nil
	}

	metaRaw, err := encodeMetadata(art.Meta)
	if err != nil {
		return err
	}
	file, metaSec, err := pack(metaRaw, headCodec)
	if err != nil {
		return err
	}

	centroidsPB := newPayloadBuffer(make([]byte, 0, 4+len(art.Centroids)*4))
	centroidsPB.writeFloat32s(art.Centroids)
	if centroidsPB.err != nil {
		return centroidsPB.err
	}
	file, centroidsSec, err := pack(centroidsPB.buf, headCodec)
	if err != nil {
		return err
	}

	codecRaw, err := encodeQuantizer(art.Quantizer, art.Meta.Dim)
	if err != nil {
		return err
	}
	file, codecSec, err := pack(codecRaw, headCodec)
	if err != nil {
		return err
	}

	// Partition blocks followed by their table. The table stores absolute
	// offsets so a reader can pull single partitions with ranged reads.
	tablePB := newPayloadBuffer(make([]byte, 0, len(art.Partitions)*20))
	tablePB.writeUint32(uint32(len(art.Partitions)))
	for i := range art.Partitions {
		p := &art.Partitions[i]
		raw, err := encodePartition(p)
		if err != nil {
			return err
		}
		var sec section
		file, sec, err = pack(raw, partCodec)
		if err != nil {
			return err
		}
		tablePB.writeUint64(sec.off)
		tablePB.writeUint64(sec.len)
		tablePB.writeUint32(uint32(len(p.RowIDs)))
	}
	if tablePB.err != nil {
		return tablePB.err
	}
	file, tableSec, err := pack(tablePB.buf, headCodec)
	if err != nil {
		return err
	}

	footer := make([]byte, 0, footerSize)
	for _, sec := range []section{metaSec, centroidsSec, codecSec, tableSec} {
		footer = binary.LittleEndian.AppendUint64(footer, sec.off)
		footer = binary.LittleEndian.AppendUint64(footer, sec.len)
	}
	footer = binary.LittleEndian.AppendUint32(footer, crc32.ChecksumIEEE(footer))
	footer = binary.LittleEndian.AppendUint32(footer, magic)
	file = append(file, footer...)

	return store.Put(ctx, Path(art.Meta.UUID), file)
}
