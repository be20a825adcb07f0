package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
)

// reader is a bounds-checked cursor over the untrusted input buffer.
// Every read checks the remaining length first and fails with
// ErrTruncated; nothing ever indexes past the end.
type reader struct {
	buf []byte
	off uint64
}

func (r *reader) need(n uint64) error {
	if n > uint64(len(r.buf)) || r.off > uint64(len(r.buf))-n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTruncated, n, r.off, uint64(len(r.buf))-r.off)
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	length, err := r.u64()
	if err != nil {
		return "", err
	}
	if err := r.need(length); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+length])
	r.off += length
	return s, nil
}

// Parse reads a complete container from buf. It validates the header,
// walks the metadata table, reads the tensor descriptor table, and
// resolves each descriptor to its payload slice inside the data section.
// buf is retained by the returned File's tensor Data slices.
func Parse(buf []byte) (*File, error) {
	r := &reader{buf: buf}
	f := &File{KV: make(map[string]interface{})}

	if err := parseHeader(r, &f.Header); err != nil {
		return nil, err
	}
	if err := parseMetadata(r, f); err != nil {
		return nil, err
	}
	if err := parseTensorInfos(r, f); err != nil {
		return nil, err
	}
	if err := resolveTensorData(r, f); err != nil {
		return nil, err
	}
	return f, nil
}

// parseHeader validates the fixed magic and the two supported container
// versions.
func parseHeader(r *reader, h *Header) error {
	var err error
	if h.Magic, err = r.u32(); err != nil {
		return err
	}
	if h.Magic != Magic {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrInvalidFormat, h.Magic)
	}
	if h.Version, err = r.u32(); err != nil {
		return err
	}
	if h.Version != VersionV2 && h.Version != VersionV3 {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, h.Version)
	}
	if h.TensorCount, err = r.u64(); err != nil {
		return err
	}
	if h.KVCount, err = r.u64(); err != nil {
		return err
	}
	return nil
}

// parseMetadata walks KVCount (key, type, value) records. Scalars and
// strings are retained; arrays are skipped element by element, because
// array elements (strings in particular) are themselves variable-length
// and the only way to find the next record is to walk them exactly.
func parseMetadata(r *reader, f *File) error {
	for i := uint64(0); i < f.Header.KVCount; i++ {
		key, err := r.str()
		if err != nil {
			return fmt.Errorf("metadata record %d: %w", i, err)
		}
		tag, err := r.u32()
		if err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		vt := valueType(tag)
		if vt == valueArray {
			if err := skipArray(r, 0); err != nil {
				return fmt.Errorf("metadata %q: %w", key, err)
			}
			logger.Log.Debug("skipped array metadata", "key", key)
			continue
		}
		val, err := readScalar(r, vt)
		if err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		f.KV[key] = val
	}
	return nil
}

func readScalar(r *reader, vt valueType) (interface{}, error) {
	switch vt {
	case valueUint8:
		return r.u8()
	case valueInt8:
		v, err := r.u8()
		return int8(v), err
	case valueUint16:
		return r.u16()
	case valueInt16:
		v, err := r.u16()
		return int16(v), err
	case valueUint32:
		return r.u32()
	case valueInt32:
		v, err := r.u32()
		return int32(v), err
	case valueFloat32:
		v, err := r.u32()
		return math.Float32frombits(v), err
	case valueBool:
		v, err := r.u8()
		return v != 0, err
	case valueString:
		return r.str()
	case valueUint64:
		return r.u64()
	case valueInt64:
		v, err := r.u64()
		return int64(v), err
	case valueFloat64:
		v, err := r.u64()
		return math.Float64frombits(v), err
	default:
		return nil, fmt.Errorf("%w: unknown metadata value type %d", ErrInvalidFormat, vt)
	}
}

// maxArrayDepth bounds recursion on nested arrays so a hostile buffer
// cannot blow the stack.
const maxArrayDepth = 8

// skipArray advances past an array value: element type, count, then each
// element skipped by its own length. Nested arrays recurse.
func skipArray(r *reader, depth int) error {
	if depth >= maxArrayDepth {
		return fmt.Errorf("%w: array nesting deeper than %d", ErrInvalidFormat, maxArrayDepth)
	}
	tag, err := r.u32()
	if err != nil {
		return err
	}
	count, err := r.u64()
	if err != nil {
		return err
	}
	et := valueType(tag)

	// Fixed-width elements advance in one bounds-checked hop.
	if w := scalarWidth(et); w > 0 {
		total := count * uint64(w)
		if count != 0 && total/count != uint64(w) {
			return fmt.Errorf("%w: array length overflow", ErrInvalidFormat)
		}
		if err := r.need(total); err != nil {
			return err
		}
		r.off += total
		return nil
	}

	for i := uint64(0); i < count; i++ {
		switch et {
		case valueString:
			if _, err := r.str(); err != nil {
				return err
			}
		case valueArray:
			if err := skipArray(r, depth+1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown array element type %d", ErrInvalidFormat, et)
		}
	}
	return nil
}

func scalarWidth(vt valueType) int {
	switch vt {
	case valueUint8, valueInt8, valueBool:
		return 1
	case valueUint16, valueInt16:
		return 2
	case valueUint32, valueInt32, valueFloat32:
		return 4
	case valueUint64, valueInt64, valueFloat64:
		return 8
	default:
		return 0
	}
}

func parseTensorInfos(r *reader, f *File) error {
	for i := uint64(0); i < f.Header.TensorCount; i++ {
		t := &TensorInfo{}
		var err error
		if t.Name, err = r.str(); err != nil {
			return fmt.Errorf("tensor descriptor %d: %w", i, err)
		}
		nDims, err := r.u32()
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		if nDims == 0 || nDims > MaxDims {
			return fmt.Errorf("%w: tensor %q has %d dims (max %d)",
				ErrInvalidFormat, t.Name, nDims, MaxDims)
		}
		t.Dims = make([]uint64, nDims)
		for j := range t.Dims {
			if t.Dims[j], err = r.u64(); err != nil {
				return fmt.Errorf("tensor %q dim %d: %w", t.Name, j, err)
			}
			if t.Dims[j] == 0 || t.Dims[j] > uint64(len(r.buf)) {
				return fmt.Errorf("%w: tensor %q dim %d = %d",
					ErrInvalidFormat, t.Name, j, t.Dims[j])
			}
		}
		typ, err := r.u32()
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		t.Type = TensorType(typ)
		if t.Type.TypeSize() == 0 {
			return fmt.Errorf("%w: tensor %q has element type %d",
				ErrUnsupportedFormat, t.Name, typ)
		}
		if t.Offset, err = r.u64(); err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		f.Tensors = append(f.Tensors, t)
	}
	return nil
}

// resolveTensorData derives the data section start from the exact bytes
// consumed so far, rounded up to the writer's alignment, then binds each
// descriptor to its payload. Any declared extent that crosses the buffer
// end is rejected here, before anything reads it.
func resolveTensorData(r *reader, f *File) error {
	f.Alignment = DefaultAlignment
	if v, ok := f.Uint("general.alignment"); ok {
		if v == 0 || v&(v-1) != 0 {
			return fmt.Errorf("%w: general.alignment %d is not a power of two",
				ErrInvalidFormat, v)
		}
		f.Alignment = v
	}

	f.DataOffset = (r.off + f.Alignment - 1) &^ (f.Alignment - 1)
	if f.DataOffset > uint64(len(r.buf)) {
		if f.Header.TensorCount == 0 {
			f.DataOffset = uint64(len(r.buf))
			return nil
		}
		return fmt.Errorf("%w: data section starts at %d beyond buffer end %d",
			ErrTruncated, f.DataOffset, len(r.buf))
	}
	data := r.buf[f.DataOffset:]

	for _, t := range f.Tensors {
		size, err := t.SizeBytes()
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		if t.Offset > uint64(len(data)) || uint64(size) > uint64(len(data))-t.Offset {
			return fmt.Errorf("%w: tensor %q extent [%d,%d) exceeds data section of %d bytes",
				ErrTruncated, t.Name, t.Offset, t.Offset+uint64(size), len(data))
		}
		t.Data = data[t.Offset : t.Offset+uint64(size) : t.Offset+uint64(size)]
	}
	return nil
}
