// Package f16 converts between IEEE-754 binary16 and float32. The engine
// executes in float32; binary16 is a storage format for narrowed flat codes
// and 16-bit vector columns.
package f16

import "math"

// Bits is a raw binary16 bit-pattern: 1 sign bit, 5 exponent bits (bias 15),
// 10 fraction bits.
type Bits uint16

// ToFloat32 widens a binary16 bit-pattern.
func ToFloat32(h Bits) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign) // signed zero
		}
		// Subnormal: scale the fraction by 2^-24.
		v := float32(frac) * (1.0 / (1 << 24))
		if sign != 0 {
			return -v
		}
		return v
	case 0x1f:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7f800000) // inf
		}
		return math.Float32frombits(sign | 0x7f800000 | frac<<13) // nan
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
	}
}

// FromFloat32 narrows a float32 with round-to-nearest, ties-to-even.
func FromFloat32(f float32) Bits {
	b := math.Float32bits(f)
	sign := Bits(b>>16) & 0x8000
	exp := int32(b>>23) & 0xff
	frac := b & 0x7fffff

	switch {
	case exp == 0xff: // inf / nan
		if frac == 0 {
			return sign | 0x7c00
		}
		nan := Bits(frac>>13) | 0x0200
		return sign | 0x7c00 | (nan & 0x3ff)
	case exp == 0: // zero and float32 subnormals underflow
		return sign
	}

	e := exp - 127 + 15
	switch {
	case e >= 0x1f: // overflow
		return sign | 0x7c00
	case e <= 0: // subnormal range
		if e < -10 {
			return sign
		}
		mant := frac | 0x800000
		shift := uint32(14 - e) // 13 rounding bits + (1 - e) denormal shift
		m := mant >> shift
		rem := mant & (1<<shift - 1)
		half := uint32(1) << (shift - 1)
		if rem > half || (rem == half && m&1 == 1) {
			m++
		}
		return sign | Bits(m)
	}

	m := frac >> 13
	rem := frac & 0x1fff
	h := sign | Bits(e)<<10 | Bits(m)
	if rem > 0x1000 || (rem == 0x1000 && m&1 == 1) {
		h++ // carries into the exponent correctly by construction
	}
	return h
}

// DecodeSlice widens binary16 bit-patterns into dst.
// dst must be at least len(src) long.
func DecodeSlice(dst []float32, src []uint16) {
	for i, h := range src {
		dst[i] = ToFloat32(Bits(h))
	}
}

// EncodeSlice narrows float32 values into binary16 bit-patterns.
// dst must be at least len(src) long.
func EncodeSlice(dst []uint16, src []float32) {
	for i, f := range src {
		dst[i] = uint16(FromFloat32(f))
	}
}
