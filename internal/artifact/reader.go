package artifact

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/quant"
)

type partitionEntry struct {
	off, len uint64
	numRows  uint32
}

// Reader serves one persisted index generation. The header sections are
// loaded eagerly at Open; partition blocks are fetched lazily so a search
// touching a few partitions never pulls the whole file.
type Reader struct {
	blob      blobstore.Blob
	partCodec blockCodec
	meta      *index.Metadata
	centroids []float32
	quantizer quant.Quantizer
	table     []partitionEntry
}

// Open loads the generation named by uuid from the store.
func Open(ctx context.Context, store blobstore.Store, uuid string) (*Reader, error) {
	blob, err := store.Open(ctx, Path(uuid))
	if err != nil {
		return nil, err
	}
	r, err := newReader(ctx, blob)
	if err != nil {
		_ = blob.Close()
		return nil, err
	}
	return r, nil
}

func newReader(ctx context.Context, blob blobstore.Blob) (*Reader, error) {
	size := blob.Size()
	if size < 8+footerSize {
		return nil, fmt.Errorf("artifact: file too small: %d bytes", size)
	}

	head := make([]byte, 8)
	if err := readFull(ctx, blob, head, 0); err != nil {
		return nil, err
	}
	if got := binary.LittleEndian.Uint32(head[0:]); got != magic {
		return nil, fmt.Errorf("artifact: bad magic %#x", got)
	}
	version := index.FileVersion(binary.LittleEndian.Uint32(head[4:]))
	switch version {
	case index.FileVersionLegacy, index.FileVersionStable:
	default:
		return nil, fmt.Errorf("artifact: unsupported file version %d", version)
	}

	footer := make([]byte, footerSize)
	if err := readFull(ctx, blob, footer, size-footerSize); err != nil {
		return nil, err
	}
	if got := binary.LittleEndian.Uint32(footer[footerSize-4:]); got != magic {
		return nil, fmt.Errorf("artifact: bad footer magic %#x", got)
	}
	wantCRC := binary.LittleEndian.Uint32(footer[footerSize-8:])
	if crc32.ChecksumIEEE(footer[:footerSize-8]) != wantCRC {
		return nil, fmt.Errorf("artifact: footer checksum mismatch")
	}

	var secs [4]section
	for i := range secs {
		secs[i].off = binary.LittleEndian.Uint64(footer[i*16:])
		secs[i].len = binary.LittleEndian.Uint64(footer[i*16+8:])
	}

	partCodec := codecLZ4
	if version == index.FileVersionLegacy {
		partCodec = codecZSTD
	}
	r := &Reader{blob: blob, partCodec: partCodec}

	metaRaw, err := r.section(ctx, secs[0], codecZSTD)
	if err != nil {
		return nil, err
	}
	if r.meta, err = decodeMetadata(metaRaw); err != nil {
		return nil, err
	}

	centroidsRaw, err := r.section(ctx, secs[1], codecZSTD)
	if err != nil {
		return nil, err
	}
	pb := newPayloadBuffer(centroidsRaw)
	r.centroids = pb.readFloat32s()
	if pb.err != nil {
		return nil, fmt.Errorf("artifact: decode centroids: %w", pb.err)
	}

	codecRaw, err := r.section(ctx, secs[2], codecZSTD)
	if err != nil {
		return nil, err
	}
	if r.quantizer, err = decodeQuantizer(codecRaw); err != nil {
		return nil, err
	}

	tableRaw, err := r.section(ctx, secs[3], codecZSTD)
	if err != nil {
		return nil, err
	}
	tb := newPayloadBuffer(tableRaw)
	numParts := int(tb.readUint32())
	r.table = make([]partitionEntry, numParts)
	for i := range r.table {
		r.table[i].off = tb.readUint64()
		r.table[i].len = tb.readUint64()
		r.table[i].numRows = tb.readUint32()
	}
	if tb.err != nil {
		return nil, fmt.Errorf("artifact: decode partition table: %w", tb.err)
	}
	if numParts != r.meta.NumPartitions {
		return nil, fmt.Errorf("artifact: partition table has %d entries, metadata says %d",
			numParts, r.meta.NumPartitions)
	}

	return r, nil
}

// section reads and verifies one CRC-prefixed block.
func (r *Reader) section(ctx context.Context, sec section, codec blockCodec) ([]byte, error) {
	buf := make([]byte, sec.len)
	if err := readFull(ctx, r.blob, buf, int64(sec.off)); err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("artifact: section too small")
	}
	wantCRC := binary.LittleEndian.Uint32(buf)
	block := buf[4:]
	if crc32.ChecksumIEEE(block) != wantCRC {
		return nil, fmt.Errorf("artifact: section checksum mismatch at offset %d", sec.off)
	}
	return unpackBlock(block, codec)
}

// Metadata returns the generation metadata.
func (r *Reader) Metadata() *index.Metadata { return r.meta }

// Centroids returns the flat IVF centroid matrix.
func (r *Reader) Centroids() []float32 { return r.centroids }

// Quantizer returns the trained partition codec.
func (r *Reader) Quantizer() quant.Quantizer { return r.quantizer }

// NumPartitions returns the partition count.
func (r *Reader) NumPartitions() int { return len(r.table) }

// PartitionRows returns the row count of a partition without loading it.
func (r *Reader) PartitionRows(id int) (int, error) {
	if id < 0 || id >= len(r.table) {
		return 0, fmt.Errorf("artifact: partition %d out of range [0,%d)", id, len(r.table))
	}
	return int(r.table[id].numRows), nil
}

// PartitionByteSize returns the on-disk size of a partition block.
func (r *Reader) PartitionByteSize(id int) (int64, error) {
	if id < 0 || id >= len(r.table) {
		return 0, fmt.Errorf("artifact: partition %d out of range [0,%d)", id, len(r.table))
	}
	return int64(r.table[id].len), nil
}

// Partition loads one partition block.
func (r *Reader) Partition(ctx context.Context, id int) (*index.Partition, error) {
	if id < 0 || id >= len(r.table) {
		return nil, fmt.Errorf("artifact: partition %d out of range [0,%d)", id, len(r.table))
	}
	raw, err := r.section(ctx, section{off: r.table[id].off, len: r.table[id].len}, r.partCodec)
	if err != nil {
		return nil, err
	}
	return decodePartition(id, raw, r.quantizer)
}

// Close releases the underlying blob.
func (r *Reader) Close() error { return r.blob.Close() }

func readFull(ctx context.Context, blob blobstore.Blob, p []byte, off int64) error {
	n, err := blob.ReadAt(ctx, p, off)
	if err != nil && !(err == io.EOF && n == len(p)) {
		return err
	}
	if n != len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}
