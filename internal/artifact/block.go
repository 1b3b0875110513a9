package artifact

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// blockCodec selects the compression algorithm for a section. Metadata and
// codec state sections use zstd for ratio; partition blocks use lz4 so
// probe-time decompression stays cheap.
type blockCodec uint8

const (
	codecLZ4 blockCodec = iota
	codecZSTD
)

// Block format: [uncompressedSize uint32][compressedSize uint32][data].
// compressedSize == 0 means the data is stored raw, which happens when
// compression does not pay for itself.
const blockHeaderSize = 8

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// packBlock compresses data and prepends the block header. Incompressible
// data is stored raw.
func packBlock(data []byte, codec blockCodec) ([]byte, error) {
	var compressed []byte
	switch codec {
	case codecLZ4:
		bound := lz4.CompressBlockBound(len(data))
		buf := make([]byte, bound)
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n] // n == 0 means incompressible
	case codecZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, errors.New("artifact: unknown block codec")
	}

	if len(compressed) == 0 || len(compressed) >= len(data) {
		out := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(out[4:], 0)
		copy(out[blockHeaderSize:], data)
		return out, nil
	}

	out := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[blockHeaderSize:], compressed)
	return out, nil
}

// unpackBlock reverses packBlock.
func unpackBlock(block []byte, codec blockCodec) ([]byte, error) {
	if len(block) < blockHeaderSize {
		return nil, errors.New("artifact: block too small for header")
	}
	uncompressedSize := binary.LittleEndian.Uint32(block[0:])
	compressedSize := binary.LittleEndian.Uint32(block[4:])

	if compressedSize == 0 {
		if uint32(len(block)) < blockHeaderSize+uncompressedSize {
			return nil, errors.New("artifact: truncated raw block")
		}
		return block[blockHeaderSize : blockHeaderSize+uncompressedSize], nil
	}
	if uint32(len(block)) < blockHeaderSize+compressedSize {
		return nil, errors.New("artifact: truncated compressed block")
	}
	payload := block[blockHeaderSize : blockHeaderSize+compressedSize]

	out := make([]byte, uncompressedSize)
	switch codec {
	case codecLZ4:
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != uncompressedSize {
			return nil, errors.New("artifact: decompressed size mismatch")
		}
		return out, nil
	case codecZSTD:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(payload, out[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, errors.New("artifact: decompressed size mismatch")
		}
		return decoded, nil
	default:
		return nil, errors.New("artifact: unknown block codec")
	}
}
