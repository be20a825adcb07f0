package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Builder assembles a container in memory. It exists for the synthetic
// model generator and for tests; the inference path never writes files.
type Builder struct {
	version   uint32
	alignment uint64
	kv        []kvPair
	tensors   []builderTensor
}

type kvPair struct {
	key string
	val interface{}
}

type builderTensor struct {
	name string
	dims []uint64
	typ  TensorType
	data []byte
}

// NewBuilder returns a Builder emitting the current container version
// with the default data-section alignment.
func NewBuilder() *Builder {
	return &Builder{version: VersionV3, alignment: DefaultAlignment}
}

// SetAlignment overrides the data-section alignment. The value is also
// recorded as general.alignment metadata so readers agree.
func (b *Builder) SetAlignment(align uint64) *Builder {
	b.alignment = align
	b.AddKV("general.alignment", uint32(align))
	return b
}

// AddKV appends a metadata record. Supported value kinds match the
// container's scalar and string types, plus string and int32 slices for
// array records. A repeated key overwrites the earlier record.
func (b *Builder) AddKV(key string, val interface{}) *Builder {
	for i := range b.kv {
		if b.kv[i].key == key {
			b.kv[i].val = val
			return b
		}
	}
	b.kv = append(b.kv, kvPair{key, val})
	return b
}

// AddTensor appends a descriptor with pre-encoded payload bytes.
func (b *Builder) AddTensor(name string, dims []uint64, typ TensorType, data []byte) *Builder {
	b.tensors = append(b.tensors, builderTensor{name, dims, typ, data})
	return b
}

// AddTensorF32 quantizes rows of values to typ and appends the result.
// dims follows the descriptor convention: dims[0] is the row width.
func (b *Builder) AddTensorF32(name string, dims []uint64, typ TensorType, values []float32) error {
	data, err := Quantize(values, typ)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}
	b.AddTensor(name, dims, typ, data)
	return nil
}

// Bytes serializes the container: header, metadata records, tensor
// descriptor table, alignment padding, then each payload at an aligned
// offset within the data section.
func (b *Builder) Bytes() ([]byte, error) {
	if b.alignment == 0 || b.alignment&(b.alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidFormat, b.alignment)
	}

	var out []byte
	out = appendU32(out, Magic)
	out = appendU32(out, b.version)
	out = appendU64(out, uint64(len(b.tensors)))
	out = appendU64(out, uint64(len(b.kv)))

	kv := append([]kvPair(nil), b.kv...)
	sort.SliceStable(kv, func(i, j int) bool { return kv[i].key < kv[j].key })
	for _, p := range kv {
		out = appendString(out, p.key)
		var err error
		if out, err = appendValue(out, p.val); err != nil {
			return nil, fmt.Errorf("metadata %q: %w", p.key, err)
		}
	}

	// Lay payloads out first so descriptors carry final offsets.
	offsets := make([]uint64, len(b.tensors))
	cursor := uint64(0)
	for i, t := range b.tensors {
		cursor = alignUp(cursor, b.alignment)
		offsets[i] = cursor
		cursor += uint64(len(t.data))
	}

	for i, t := range b.tensors {
		if len(t.dims) == 0 || len(t.dims) > MaxDims {
			return nil, fmt.Errorf("%w: tensor %q has %d dims", ErrInvalidFormat, t.name, len(t.dims))
		}
		out = appendString(out, t.name)
		out = appendU32(out, uint32(len(t.dims)))
		for _, d := range t.dims {
			out = appendU64(out, d)
		}
		out = appendU32(out, uint32(t.typ))
		out = appendU64(out, offsets[i])
	}

	out = padTo(out, b.alignment)
	dataStart := uint64(len(out))
	for i, t := range b.tensors {
		out = padTo(out, b.alignment)
		if uint64(len(out))-dataStart != offsets[i] {
			return nil, fmt.Errorf("tensor %q: layout drift at offset %d", t.name, len(out))
		}
		out = append(out, t.data...)
	}
	return out, nil
}

func appendValue(out []byte, val interface{}) ([]byte, error) {
	switch v := val.(type) {
	case uint8:
		return append(appendU32(out, uint32(valueUint8)), v), nil
	case int8:
		return append(appendU32(out, uint32(valueInt8)), byte(v)), nil
	case uint16:
		out = appendU32(out, uint32(valueUint16))
		return binary.LittleEndian.AppendUint16(out, v), nil
	case int16:
		out = appendU32(out, uint32(valueInt16))
		return binary.LittleEndian.AppendUint16(out, uint16(v)), nil
	case uint32:
		return appendU32(appendU32(out, uint32(valueUint32)), v), nil
	case int32:
		return appendU32(appendU32(out, uint32(valueInt32)), uint32(v)), nil
	case float32:
		return appendU32(appendU32(out, uint32(valueFloat32)), math.Float32bits(v)), nil
	case bool:
		b := byte(0)
		if v {
			b = 1
		}
		return append(appendU32(out, uint32(valueBool)), b), nil
	case string:
		return appendString(appendU32(out, uint32(valueString)), v), nil
	case uint64:
		return appendU64(appendU32(out, uint32(valueUint64)), v), nil
	case int64:
		return appendU64(appendU32(out, uint32(valueInt64)), uint64(v)), nil
	case float64:
		return appendU64(appendU32(out, uint32(valueFloat64)), math.Float64bits(v)), nil
	case []string:
		out = appendU32(out, uint32(valueArray))
		out = appendU32(out, uint32(valueString))
		out = appendU64(out, uint64(len(v)))
		for _, s := range v {
			out = appendString(out, s)
		}
		return out, nil
	case []int32:
		out = appendU32(out, uint32(valueArray))
		out = appendU32(out, uint32(valueInt32))
		out = appendU64(out, uint64(len(v)))
		for _, e := range v {
			out = appendU32(out, uint32(e))
		}
		return out, nil
	case []float32:
		out = appendU32(out, uint32(valueArray))
		out = appendU32(out, uint32(valueFloat32))
		out = appendU64(out, uint64(len(v)))
		for _, e := range v {
			out = appendU32(out, math.Float32bits(e))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported metadata value %T", ErrInvalidFormat, val)
	}
}

func appendU32(out []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(out, v)
}

func appendU64(out []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(out, v)
}

func appendString(out []byte, s string) []byte {
	out = appendU64(out, uint64(len(s)))
	return append(out, s...)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func padTo(out []byte, align uint64) []byte {
	for uint64(len(out))%align != 0 {
		out = append(out, 0)
	}
	return out
}
