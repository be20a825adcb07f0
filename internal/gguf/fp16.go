package gguf

import "math"

// Half-precision conversion lives in this file and nowhere else. The host
// has no native half type, so both directions reconstruct sign, exponent
// and mantissa explicitly, including the subnormal range. Every block
// format's scale factors funnel through these two functions.

// Float16To32 expands an IEEE 754 binary16 bit pattern to float32.
func Float16To32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	frac := uint32(b & 0x03FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: renormalize into the float32 exponent range.
		e := uint32(1)
		for frac&0x0400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x03FF
		return math.Float32frombits(sign | (e+112)<<23 | frac<<13)
	case 0x1F:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
	}
}

// Float32To16 narrows a float32 to binary16 with round-to-nearest-even.
// Values beyond the half range become infinity; tiny values flush through
// the subnormal range down to signed zero.
func Float32To16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits>>23)&0xFF) - 127 + 15
	mant := bits & 0x7FFFFF

	if exp >= 0x1F {
		if bits&0x7FFFFFFF > 0x7F800000 {
			return sign | 0x7E00 // NaN, canonical quiet payload
		}
		return sign | 0x7C00
	}

	if exp <= 0 {
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint32(1) << (shift - 1)
		m := mant >> shift
		if mant&half != 0 && (mant&(half-1) != 0 || m&1 != 0) {
			m++ // carry into the smallest normal is correct by bit layout
		}
		return sign | uint16(m)
	}

	m := mant >> 13
	if mant&0x1000 != 0 && (mant&0x0FFF != 0 || m&1 != 0) {
		m++
	}
	// Mantissa carry may bump the exponent, up to and including overflow
	// to infinity; plain addition encodes that correctly.
	return sign + uint16(exp)<<10 + uint16(m)
}
