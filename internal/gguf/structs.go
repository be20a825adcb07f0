// Package gguf parses the packed model container (header, metadata table,
// tensor descriptor table) from an in-memory byte buffer and implements the
// block quantization codec. How the buffer reaches memory is the caller's
// concern.
package gguf

import (
	"errors"
	"fmt"
)

const (
	// Magic spells "GGUF" little-endian.
	Magic = 0x46554747

	// VersionV2 and VersionV3 are the two historical container versions
	// in circulation; different model families were exported with
	// different writers.
	VersionV2 = 2
	VersionV3 = 3

	// DefaultAlignment is where the tensor data section starts relative
	// to the end of the descriptor table, unless the metadata overrides
	// it via general.alignment.
	DefaultAlignment = 32

	// MaxDims bounds tensor rank.
	MaxDims = 4
)

var (
	// ErrInvalidFormat covers malformed input: bad magic, unsupported
	// version, unknown type tags, inconsistent lengths.
	ErrInvalidFormat = errors.New("gguf: invalid format")

	// ErrTruncated is returned whenever a read would cross the end of
	// the buffer. It is always raised before the read happens.
	ErrTruncated = errors.New("gguf: truncated input")

	// ErrUnsupportedFormat marks a tensor element type the codec does
	// not implement. It must surface to the caller; zero-filling instead
	// would be indistinguishable from legitimate output.
	ErrUnsupportedFormat = errors.New("gguf: unsupported tensor format")

	// ErrCanceled is returned by the chunked codec when the caller's
	// yield function asks it to stop.
	ErrCanceled = errors.New("gguf: dequantization canceled")
)

// TensorType is the element encoding of a stored tensor. Values follow the
// ggml numbering so containers written by common exporters parse as-is.
type TensorType uint32

const (
	TypeF32  TensorType = 0
	TypeF16  TensorType = 1
	TypeQ8_0 TensorType = 8
	TypeQ4_K TensorType = 12
	TypeQ6_K TensorType = 14
)

func (t TensorType) String() string {
	switch t {
	case TypeF32:
		return "F32"
	case TypeF16:
		return "F16"
	case TypeQ8_0:
		return "Q8_0"
	case TypeQ4_K:
		return "Q4_K"
	case TypeQ6_K:
		return "Q6_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(t))
	}
}

// BlockSize returns the logical elements per quantization block, or 1 for
// dense types.
func (t TensorType) BlockSize() int {
	switch t {
	case TypeF32, TypeF16:
		return 1
	case TypeQ8_0:
		return BlockSizeQ8
	case TypeQ4_K, TypeQ6_K:
		return BlockSizeK
	default:
		return 0
	}
}

// TypeSize returns the stored bytes per block, or 0 for unknown types.
func (t TensorType) TypeSize() int {
	switch t {
	case TypeF32:
		return 4
	case TypeF16:
		return 2
	case TypeQ8_0:
		return BlockBytesQ8
	case TypeQ4_K:
		return BlockBytesQ4K
	case TypeQ6_K:
		return BlockBytesQ6K
	default:
		return 0
	}
}

// RowBytes returns the stored size of one row of n elements, or an error
// for unknown types or element counts that do not fill whole blocks.
func (t TensorType) RowBytes(n int) (int, error) {
	bs := t.BlockSize()
	if bs == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, t)
	}
	if n%bs != 0 {
		return 0, fmt.Errorf("%w: %d elements not a multiple of %s block size %d",
			ErrInvalidFormat, n, t, bs)
	}
	return n / bs * t.TypeSize(), nil
}

// valueType tags a metadata record value.
type valueType uint32

const (
	valueUint8   valueType = 0
	valueInt8    valueType = 1
	valueUint16  valueType = 2
	valueInt16   valueType = 3
	valueUint32  valueType = 4
	valueInt32   valueType = 5
	valueFloat32 valueType = 6
	valueBool    valueType = 7
	valueString  valueType = 8
	valueArray   valueType = 9
	valueUint64  valueType = 10
	valueInt64   valueType = 11
	valueFloat64 valueType = 12
)

// Header is the fixed-size container prologue.
type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// TensorInfo is a descriptor from the tensor table. Name is the join key
// binding a stored tensor to its semantic role. Offset is relative to the
// data section start; Data is resolved to the payload bytes during Parse.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
	Data   []byte
}

// NumElements is the product of all dimensions.
func (t *TensorInfo) NumElements() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// SizeBytes is the exact stored payload size declared by the descriptor.
func (t *TensorInfo) SizeBytes() (int, error) {
	return t.Type.RowBytes(t.NumElements())
}

// File is a parsed container. KV holds scalar and string metadata; array
// values are skipped during parsing (none are needed for evaluation) but
// their byte length is still walked exactly so later fields stay aligned.
type File struct {
	Header     Header
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	DataOffset uint64
	Alignment  uint64
}

// Tensor returns the descriptor with the given name, or nil.
func (f *File) Tensor(name string) *TensorInfo {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// String returns a metadata string value.
func (f *File) String(key string) (string, bool) {
	v, ok := f.KV[key].(string)
	return v, ok
}

// Uint returns any integer-typed metadata value widened to uint64.
func (f *File) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case int8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case int16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case int32:
		return uint64(v), true
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Float returns any numeric metadata value widened to float64.
func (f *File) Float(key string) (float64, bool) {
	switch v := f.KV[key].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		if u, ok := f.Uint(key); ok {
			return float64(u), true
		}
		return 0, false
	}
}
