package artifact

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// payloadBuffer is an error-latching little-endian encoder/decoder for the
// fixed sections of an index artifact.
type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint8(v uint8) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeFloat64(v float64) {
	p.writeUint64(math.Float64bits(v))
}

func (p *payloadBuffer) writeBool(v bool) {
	if v {
		p.writeUint8(1)
	} else {
		p.writeUint8(0)
	}
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		p.err = fmt.Errorf("artifact: string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) writeFloat32s(vals []float32) {
	p.writeUint32(uint32(len(vals)))
	if p.err != nil {
		return
	}
	for _, v := range vals {
		p.buf = binary.LittleEndian.AppendUint32(p.buf, math.Float32bits(v))
	}
}

func (p *payloadBuffer) writeUint64s(vals []uint64) {
	p.writeUint32(uint32(len(vals)))
	if p.err != nil {
		return
	}
	for _, v := range vals {
		p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
	}
}

func (p *payloadBuffer) readUint8() uint8 {
	if p.err != nil {
		return 0
	}
	if p.pos+1 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if p.err != nil {
		return 0
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint64() uint64 {
	if p.err != nil {
		return 0
	}
	if p.pos+8 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readFloat64() float64 {
	return math.Float64frombits(p.readUint64())
}

func (p *payloadBuffer) readBool() bool {
	return p.readUint8() != 0
}

func (p *payloadBuffer) readString() string {
	if p.err != nil {
		return ""
	}
	if p.pos+2 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	l := int(binary.LittleEndian.Uint16(p.buf[p.pos:]))
	p.pos += 2
	if p.pos+l > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	s := string(p.buf[p.pos : p.pos+l])
	p.pos += l
	return s
}

func (p *payloadBuffer) readFloat32s() []float32 {
	n := int(p.readUint32())
	if p.err != nil {
		return nil
	}
	if p.pos+4*n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(p.buf[p.pos:]))
		p.pos += 4
	}
	return vals
}

func (p *payloadBuffer) readUint64s() []uint64 {
	n := int(p.readUint32())
	if p.err != nil {
		return nil
	}
	if p.pos+8*n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	vals := make([]uint64, n)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(p.buf[p.pos:])
		p.pos += 8
	}
	return vals
}
