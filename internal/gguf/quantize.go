package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoders for the block formats. The engine never quantizes at inference
// time; these exist for the synthetic-model generator and for round-trip
// tests of the decoders.

// QuantizeQ4K encodes n (multiple of 256) values into the primary 4-bit
// block format. Per 32-element group it fits an affine code
// v ≈ a*(q-8) + off, then folds the per-group a and off into the shared
// half-precision d/dmin factors and 6-bit codes. Groups whose offset sign
// disagrees with the block's dominant offset lose their min term; that is
// the format's inherent tradeoff, not an encoder defect.
func QuantizeQ4K(src []float32) ([]byte, error) {
	if len(src)%BlockSizeK != 0 {
		return nil, fmt.Errorf("%w: %d elements not a multiple of %d", ErrInvalidFormat, len(src), BlockSizeK)
	}
	out := make([]byte, len(src)/BlockSizeK*BlockBytesQ4K)

	for b := 0; b < len(src)/BlockSizeK; b++ {
		block := src[b*BlockSizeK : (b+1)*BlockSizeK]
		dst := out[b*BlockBytesQ4K : (b+1)*BlockBytesQ4K]

		var as, offs [8]float32
		var maxA, extOff float32
		for g := 0; g < 8; g++ {
			vmin, vmax := block[g*32], block[g*32]
			for _, v := range block[g*32 : (g+1)*32] {
				if v < vmin {
					vmin = v
				}
				if v > vmax {
					vmax = v
				}
			}
			as[g] = (vmax - vmin) / 15
			offs[g] = vmin + 8*as[g]
			if as[g] > maxA {
				maxA = as[g]
			}
			if abs32(offs[g]) > abs32(extOff) {
				extOff = offs[g]
			}
		}

		d := maxA / 63
		dmin := extOff / 63
		// Round-trip d and dmin through half precision so the stored
		// codes are chosen against the factors the decoder will see.
		d = Float16To32(Float32To16(d))
		dmin = Float16To32(Float32To16(dmin))

		var sc, mn [8]uint8
		for g := 0; g < 8; g++ {
			if d != 0 {
				sc[g] = uint8(clampRound(as[g]/d, 0, 63))
			}
			if dmin != 0 && sameSign(offs[g], dmin) {
				mn[g] = uint8(clampRound(offs[g]/dmin, 0, 63))
			}
		}

		binary.LittleEndian.PutUint16(dst[0:2], Float32To16(d))
		binary.LittleEndian.PutUint16(dst[2:4], Float32To16(dmin))
		packScaleMin(dst[4:16], sc, mn)

		qs := dst[16:BlockBytesQ4K]
		for g := 0; g < 8; g++ {
			scale := d * float32(sc[g])
			min := dmin * float32(mn[g])
			for k := 0; k < 16; k++ {
				lo := quantize4(block[g*32+k], scale, min)
				hi := quantize4(block[g*32+16+k], scale, min)
				qs[g*16+k] = lo | hi<<4
			}
		}
	}
	return out, nil
}

func quantize4(v, scale, min float32) uint8 {
	if scale == 0 {
		return 8
	}
	return uint8(clampRound((v-min)/scale+8, 0, 15))
}

// packScaleMin is the inverse of unpackScaleMin.
func packScaleMin(dst []byte, sc, mn [8]uint8) {
	for j := 0; j < 4; j++ {
		dst[j] = sc[j]&63 | (sc[j+4]>>4)<<6
		dst[j+4] = mn[j]&63 | (mn[j+4]>>4)<<6
		dst[j+8] = sc[j+4]&0x0F | (mn[j+4]&0x0F)<<4
	}
}

// QuantizeQ6K encodes n (multiple of 256) values into the 6-bit block
// format: one int8 scale per 16-element sub-block under a half-precision
// super scale, v ≈ d*sc*(q-32).
func QuantizeQ6K(src []float32) ([]byte, error) {
	if len(src)%BlockSizeK != 0 {
		return nil, fmt.Errorf("%w: %d elements not a multiple of %d", ErrInvalidFormat, len(src), BlockSizeK)
	}
	out := make([]byte, len(src)/BlockSizeK*BlockBytesQ6K)

	for b := 0; b < len(src)/BlockSizeK; b++ {
		block := src[b*BlockSizeK : (b+1)*BlockSizeK]
		dst := out[b*BlockBytesQ6K : (b+1)*BlockBytesQ6K]
		ql := dst[0:128]
		qh := dst[128:192]
		scales := dst[192:208]

		var as [16]float32
		var maxA float32
		for l := 0; l < 16; l++ {
			var amax float32
			for _, v := range block[l*16 : (l+1)*16] {
				if abs32(v) > amax {
					amax = abs32(v)
				}
			}
			as[l] = amax / 31
			if as[l] > maxA {
				maxA = as[l]
			}
		}
		d := Float16To32(Float32To16(maxA / 127))
		binary.LittleEndian.PutUint16(dst[208:210], Float32To16(d))

		for l := 0; l < 16; l++ {
			var code uint8
			if d != 0 {
				code = uint8(clampRound(as[l]/d, 0, 127))
			}
			scales[l] = code
			s := d * float32(code)
			for k := 0; k < 16; k++ {
				idx := l*16 + k
				q := uint8(32)
				if s != 0 {
					q = uint8(clampRound(block[idx]/s+32, 0, 63))
				}
				if idx%2 == 0 {
					ql[idx/2] |= q & 0x0F
				} else {
					ql[idx/2] |= (q & 0x0F) << 4
				}
				qh[idx/4] |= (q >> 4) << uint((idx%4)*2)
			}
		}
	}
	return out, nil
}

// QuantizeQ8 encodes n (multiple of 32) values as one half-precision
// scale plus 32 signed bytes per block, v ≈ d*q.
func QuantizeQ8(src []float32) ([]byte, error) {
	if len(src)%BlockSizeQ8 != 0 {
		return nil, fmt.Errorf("%w: %d elements not a multiple of %d", ErrInvalidFormat, len(src), BlockSizeQ8)
	}
	out := make([]byte, len(src)/BlockSizeQ8*BlockBytesQ8)

	for b := 0; b < len(src)/BlockSizeQ8; b++ {
		block := src[b*BlockSizeQ8 : (b+1)*BlockSizeQ8]
		dst := out[b*BlockBytesQ8 : (b+1)*BlockBytesQ8]

		var amax float32
		for _, v := range block {
			if abs32(v) > amax {
				amax = abs32(v)
			}
		}
		d := Float16To32(Float32To16(amax / 127))
		binary.LittleEndian.PutUint16(dst[0:2], Float32To16(d))
		for i, v := range block {
			q := int32(0)
			if d != 0 {
				q = clampRound(v/d, -127, 127)
			}
			dst[2+i] = byte(int8(q))
		}
	}
	return out, nil
}

// EncodeF16Row narrows a dense row to half precision.
func EncodeF16Row(src []float32) []byte {
	out := make([]byte, len(src)*2)
	for i, v := range src {
		binary.LittleEndian.PutUint16(out[i*2:], Float32To16(v))
	}
	return out
}

// EncodeF32Row serializes a dense row little-endian.
func EncodeF32Row(src []float32) []byte {
	out := make([]byte, len(src)*4)
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Quantize encodes a dense row as the given tensor type.
func Quantize(src []float32, typ TensorType) ([]byte, error) {
	switch typ {
	case TypeF32:
		return EncodeF32Row(src), nil
	case TypeF16:
		return EncodeF16Row(src), nil
	case TypeQ8_0:
		return QuantizeQ8(src)
	case TypeQ4_K:
		return QuantizeQ4K(src)
	case TypeQ6_K:
		return QuantizeQ6K(src)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, typ)
	}
}

func clampRound(v, lo, hi float32) int32 {
	r := int32(math.RoundToEven(float64(v)))
	if r < int32(lo) {
		return int32(lo)
	}
	if r > int32(hi) {
		return int32(hi)
	}
	return r
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b float32) bool {
	return (a >= 0) == (b >= 0)
}
