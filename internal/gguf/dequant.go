package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/metrics"
)

// Block geometry. The K formats pack 256 logical elements per block; Q8_0
// packs 32.
const (
	BlockSizeK  = 256
	BlockSizeQ8 = 32

	BlockBytesQ4K = 144 // 2 (scale) + 2 (min scale) + 12 (sub codes) + 128 (nibbles)
	BlockBytesQ6K = 210 // 128 (low nibbles) + 64 (high pairs) + 16 (scales) + 2 (scale)
	BlockBytesQ8  = 34  // 2 (scale) + 32 (int8)

	subBlockLen = 16 // elements per sub-block in the 4-bit format
)

// unpackScaleMin extracts the 6-bit sub-block scale and min codes from the
// 12-byte side channel. Code j covers sub-blocks 2j and 2j+1. The first
// four codes of each kind sit in the low six bits of their byte; the last
// four are split across the spare high bits.
func unpackScaleMin(scales []byte, j int) (sc, mn uint8) {
	if j < 4 {
		sc = scales[j] & 63
		mn = scales[j+4] & 63
	} else {
		sc = (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
		mn = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	}
	return sc, mn
}

// DequantizeQ4K expands n elements of the primary 4-bit block format.
// Each 256-element block carries two half-precision factors d and dmin
// plus 6-bit sub codes; an element decodes as
//
//	v = d*sc*(q-8) + dmin*m
//
// with q the 4-bit nibble and (sc, m) the codes of its 16-element
// sub-block. dst must hold n values, raw n/256 whole blocks.
func DequantizeQ4K(dst []float32, raw []byte, n int) error {
	if err := checkBlockArgs(dst, raw, n, TypeQ4_K); err != nil {
		return err
	}
	for b := 0; b < n/BlockSizeK; b++ {
		block := raw[b*BlockBytesQ4K : (b+1)*BlockBytesQ4K]
		d := Float16To32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := Float16To32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		qs := block[16:BlockBytesQ4K]

		out := dst[b*BlockSizeK : (b+1)*BlockSizeK]
		for s := 0; s < BlockSizeK/subBlockLen; s++ {
			sc, mn := unpackScaleMin(scales, s/2)
			scale := d * float32(sc)
			min := dmin * float32(mn)

			// Byte k of 32-element group g holds the low nibble of
			// element 32g+k and the high nibble of element 32g+16+k;
			// even sub-blocks read low nibbles, odd ones high.
			g := s / 2
			high := s%2 == 1
			for k := 0; k < subBlockLen; k++ {
				q := qs[g*16+k]
				if high {
					q >>= 4
				} else {
					q &= 0x0F
				}
				out[s*subBlockLen+k] = scale*(float32(q)-8) + min
			}
		}
	}
	return nil
}

// DequantizeQ6K expands the 6-bit block format: four low bits per element
// in the first 128 bytes, two high bits packed four-per-byte in the next
// 64, one int8 scale per 16-element sub-block, and a trailing
// half-precision super scale. v = d*sc*(q-32).
func DequantizeQ6K(dst []float32, raw []byte, n int) error {
	if err := checkBlockArgs(dst, raw, n, TypeQ6_K); err != nil {
		return err
	}
	for b := 0; b < n/BlockSizeK; b++ {
		block := raw[b*BlockBytesQ6K : (b+1)*BlockBytesQ6K]
		ql := block[0:128]
		qh := block[128:192]
		scales := block[192:208]
		d := Float16To32(binary.LittleEndian.Uint16(block[208:210]))

		out := dst[b*BlockSizeK : (b+1)*BlockSizeK]
		for idx := 0; idx < BlockSizeK; idx++ {
			var lo uint8
			if idx%2 == 0 {
				lo = ql[idx/2] & 0x0F
			} else {
				lo = ql[idx/2] >> 4
			}
			hi := (qh[idx/4] >> uint((idx%4)*2)) & 0x03
			q := int32(hi<<4 | lo)
			s := d * float32(int8(scales[idx/16]))
			out[idx] = s * float32(q-32)
		}
	}
	return nil
}

// DequantizeQ8 expands the byte-quantized format: one half-precision
// scale followed by 32 signed bytes per block. v = d*q.
func DequantizeQ8(dst []float32, raw []byte, n int) error {
	if err := checkBlockArgs(dst, raw, n, TypeQ8_0); err != nil {
		return err
	}
	for b := 0; b < n/BlockSizeQ8; b++ {
		block := raw[b*BlockBytesQ8 : (b+1)*BlockBytesQ8]
		d := Float16To32(binary.LittleEndian.Uint16(block[0:2]))
		out := dst[b*BlockSizeQ8 : (b+1)*BlockSizeQ8]
		for i := 0; i < BlockSizeQ8; i++ {
			out[i] = d * float32(int8(block[2+i]))
		}
	}
	return nil
}

// DequantizeRow expands n elements of typ from raw into dst. Dense
// formats copy or convert; block formats dequantize; anything else fails
// with ErrUnsupportedFormat so a gap in the codec can never masquerade as
// a legitimately all-zero tensor.
func DequantizeRow(dst []float32, raw []byte, n int, typ TensorType) error {
	if err := dequantize(dst, raw, n, typ); err != nil {
		return err
	}
	metrics.DequantRowsTotal.Inc()
	return nil
}

// DequantizeChunked expands n elements in chunks of at most chunkElems,
// calling yield between chunks so long-running expansions stay
// preemptible. A false yield abandons the remainder with ErrCanceled;
// dst contents past the last finished chunk are unspecified.
func DequantizeChunked(dst []float32, raw []byte, n int, typ TensorType, chunkElems int, yield func() bool) error {
	bs := typ.BlockSize()
	if bs == 0 {
		metrics.UnsupportedFormatTotal.WithLabelValues(typ.String()).Inc()
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, typ)
	}
	if err := checkBlockArgs(dst, raw, n, typ); err != nil {
		return err
	}
	if chunkElems < bs {
		chunkElems = bs
	}
	chunkElems -= chunkElems % bs

	for off := 0; off < n; off += chunkElems {
		m := n - off
		if m > chunkElems {
			m = chunkElems
		}
		rawOff := off / bs * typ.TypeSize()
		if err := dequantize(dst[off:off+m], raw[rawOff:], m, typ); err != nil {
			return err
		}
		if off+m < n && !yield() {
			return fmt.Errorf("%w: %s row at element %d", ErrCanceled, typ, off+m)
		}
	}
	metrics.DequantRowsTotal.Inc()
	return nil
}

func dequantize(dst []float32, raw []byte, n int, typ TensorType) error {
	switch typ {
	case TypeF32:
		if err := checkBlockArgs(dst, raw, n, typ); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case TypeF16:
		if err := checkBlockArgs(dst, raw, n, typ); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			dst[i] = Float16To32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case TypeQ4_K:
		if err := DequantizeQ4K(dst, raw, n); err != nil {
			return err
		}
	case TypeQ6_K:
		if err := DequantizeQ6K(dst, raw, n); err != nil {
			return err
		}
	case TypeQ8_0:
		if err := DequantizeQ8(dst, raw, n); err != nil {
			return err
		}
	default:
		metrics.UnsupportedFormatTotal.WithLabelValues(typ.String()).Inc()
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, typ)
	}
	return nil
}

func checkBlockArgs(dst []float32, raw []byte, n int, typ TensorType) error {
	need, err := typ.RowBytes(n)
	if err != nil {
		return err
	}
	if len(raw) < need {
		return fmt.Errorf("%w: %s payload %d bytes, need %d", ErrTruncated, typ, len(raw), need)
	}
	if len(dst) < n {
		return fmt.Errorf("%w: dst holds %d of %d elements", ErrInvalidFormat, len(dst), n)
	}
	return nil
}
