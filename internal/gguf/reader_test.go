package gguf

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildSmallContainer assembles a two-tensor container exercising every
// metadata value kind, including arrays the parser must walk past.
func buildSmallContainer(t *testing.T) []byte {
	t.Helper()

	b := NewBuilder()
	b.AddKV("general.architecture", "llama")
	b.AddKV("llama.block_count", uint32(2))
	b.AddKV("llama.embedding_length", uint64(64))
	b.AddKV("llama.attention.layer_norm_rms_epsilon", float32(1e-5))
	b.AddKV("llama.rope.freq_base", float64(10000))
	b.AddKV("tokenizer.ggml.bos_token_id", int32(1))
	b.AddKV("general.quantization_version", uint8(2))
	b.AddKV("general.use_parallel_residual", true)
	b.AddKV("tokenizer.ggml.tokens", []string{"<s>", "</s>", "hello"})
	b.AddKV("tokenizer.ggml.token_type", []int32{3, 3, 1})
	b.AddKV("tokenizer.ggml.scores", []float32{0, 0, -1.5})

	row := make([]float32, 64)
	for i := range row {
		row[i] = float32(i) * 0.25
	}
	b.AddTensor("output_norm.weight", []uint64{64}, TypeF32, EncodeF32Row(row))

	quant := make([]float32, 256)
	for i := range quant {
		quant[i] = float32(i%17) * 0.1
	}
	if err := b.AddTensorF32("blk.0.attn_q.weight", []uint64{256, 1}, TypeQ4_K, quant); err != nil {
		t.Fatalf("AddTensorF32: %v", err)
	}

	buf, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return buf
}

func TestParseRoundTrip(t *testing.T) {
	buf := buildSmallContainer(t)
	f, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if f.Header.Version != VersionV3 {
		t.Errorf("version = %d, want %d", f.Header.Version, VersionV3)
	}
	if f.Header.TensorCount != 2 || len(f.Tensors) != 2 {
		t.Errorf("tensor count = %d/%d, want 2", f.Header.TensorCount, len(f.Tensors))
	}
	if f.Header.KVCount != 11 {
		t.Errorf("kv count = %d, want 11", f.Header.KVCount)
	}

	if s, ok := f.String("general.architecture"); !ok || s != "llama" {
		t.Errorf("architecture = %q, %v", s, ok)
	}
	if v, ok := f.Uint("llama.block_count"); !ok || v != 2 {
		t.Errorf("block_count = %d, %v", v, ok)
	}
	if v, ok := f.Uint("llama.embedding_length"); !ok || v != 64 {
		t.Errorf("embedding_length = %d, %v", v, ok)
	}
	if v, ok := f.Float("llama.attention.layer_norm_rms_epsilon"); !ok || v != float64(float32(1e-5)) {
		t.Errorf("epsilon = %v, %v", v, ok)
	}
	if v, ok := f.Float("llama.rope.freq_base"); !ok || v != 10000 {
		t.Errorf("freq_base = %v, %v", v, ok)
	}
	if v, ok := f.Uint("general.use_parallel_residual"); !ok || v != 1 {
		t.Errorf("bool = %d, %v", v, ok)
	}

	// Array records are walked but not retained.
	if _, ok := f.KV["tokenizer.ggml.tokens"]; ok {
		t.Error("array metadata should not be retained")
	}

	if f.Alignment != DefaultAlignment {
		t.Errorf("alignment = %d, want %d", f.Alignment, DefaultAlignment)
	}
	if f.DataOffset%DefaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	norm := f.Tensor("output_norm.weight")
	if norm == nil {
		t.Fatal("output_norm.weight missing")
	}
	if norm.Type != TypeF32 || norm.NumElements() != 64 || len(norm.Data) != 256 {
		t.Errorf("norm descriptor: type %s, %d elems, %d bytes", norm.Type, norm.NumElements(), len(norm.Data))
	}
	if got := binary.LittleEndian.Uint32(norm.Data[4:]); got != 0x3E800000 { // 0.25
		t.Errorf("norm payload[1] bits = 0x%08x", got)
	}

	q := f.Tensor("blk.0.attn_q.weight")
	if q == nil {
		t.Fatal("blk.0.attn_q.weight missing")
	}
	if q.Type != TypeQ4_K || len(q.Data) != BlockBytesQ4K {
		t.Errorf("quant descriptor: type %s, %d bytes", q.Type, len(q.Data))
	}

	if f.Tensor("no.such.tensor") != nil {
		t.Error("lookup of absent tensor should return nil")
	}
}

func TestParseRejectsBadHeader(t *testing.T) {
	valid := buildSmallContainer(t)

	tests := []struct {
		name   string
		mutate func([]byte)
		want   error
	}{
		{"bad magic", func(b []byte) { b[0] = 'X' }, ErrInvalidFormat},
		{"version 1", func(b []byte) { binary.LittleEndian.PutUint32(b[4:], 1) }, ErrInvalidFormat},
		{"version 4", func(b []byte) { binary.LittleEndian.PutUint32(b[4:], 4) }, ErrInvalidFormat},
		{"kv count beyond buffer", func(b []byte) { binary.LittleEndian.PutUint64(b[16:], 1 << 40) }, ErrTruncated},
		{"tensor count beyond buffer", func(b []byte) { binary.LittleEndian.PutUint64(b[8:], 1 << 40) }, ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := append([]byte(nil), valid...)
			tt.mutate(buf)
			_, err := Parse(buf)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseVersion2(t *testing.T) {
	b := NewBuilder()
	b.version = VersionV2
	b.AddKV("general.architecture", "llama")
	buf, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	f, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Header.Version != VersionV2 {
		t.Errorf("version = %d", f.Header.Version)
	}
}

// TestParseTruncatedAtEveryOffset cuts a valid container at every byte
// offset. Each prefix must fail cleanly with a format or truncation
// error; none may panic or parse.
func TestParseTruncatedAtEveryOffset(t *testing.T) {
	buf := buildSmallContainer(t)
	for cut := 0; cut < len(buf); cut++ {
		_, err := Parse(buf[:cut])
		if err == nil {
			t.Fatalf("Parse accepted a %d-byte prefix of a %d-byte container", cut, len(buf))
		}
		if !errors.Is(err, ErrTruncated) && !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("prefix %d: unexpected error class: %v", cut, err)
		}
	}
}

func TestParseAlignmentOverride(t *testing.T) {
	b := NewBuilder().SetAlignment(64)
	b.AddTensor("t", []uint64{32}, TypeF32, make([]byte, 128))
	buf, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	f, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Alignment != 64 {
		t.Errorf("alignment = %d, want 64", f.Alignment)
	}
	if f.DataOffset%64 != 0 {
		t.Errorf("data offset %d not 64-aligned", f.DataOffset)
	}
}

func TestParseRejectsBadAlignment(t *testing.T) {
	b := NewBuilder()
	b.AddKV("general.alignment", uint32(48)) // not a power of two
	b.AddTensor("t", []uint64{32}, TypeF32, make([]byte, 128))
	buf, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if _, err := Parse(buf); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Parse = %v, want ErrInvalidFormat", err)
	}
}

func TestParseRejectsUnknownTensorType(t *testing.T) {
	b := NewBuilder()
	b.AddTensor("t", []uint64{32}, TensorType(2), make([]byte, 18))
	buf, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if _, err := Parse(buf); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Parse = %v, want ErrUnsupportedFormat", err)
	}
}

func TestParseRejectsZeroDim(t *testing.T) {
	b := NewBuilder()
	b.AddTensor("t", []uint64{0}, TypeF32, nil)
	buf, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if _, err := Parse(buf); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Parse = %v, want ErrInvalidFormat", err)
	}
}

func TestParseRejectsShortPayload(t *testing.T) {
	b := NewBuilder()
	// Descriptor declares 64 elements but only 64 of the 256 payload
	// bytes are present.
	b.AddTensor("t", []uint64{64}, TypeF32, make([]byte, 64))
	buf, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if _, err := Parse(buf); !errors.Is(err, ErrTruncated) {
		t.Errorf("Parse = %v, want ErrTruncated", err)
	}
}

func TestParseEmptyContainer(t *testing.T) {
	buf, err := NewBuilder().Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	f, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Tensors) != 0 || len(f.KV) != 0 {
		t.Errorf("empty container parsed as %d tensors, %d kv", len(f.Tensors), len(f.KV))
	}
}

func TestParseNestedArrayDepthLimit(t *testing.T) {
	// Hand-roll a metadata record whose value is arrays nested past the
	// recursion limit.
	var buf []byte
	buf = appendU32(buf, Magic)
	buf = appendU32(buf, VersionV3)
	buf = appendU64(buf, 0) // tensors
	buf = appendU64(buf, 1) // kv
	buf = appendString(buf, "deep")
	buf = appendU32(buf, uint32(valueArray))
	for i := 0; i < maxArrayDepth+1; i++ {
		buf = appendU32(buf, uint32(valueArray))
		buf = appendU64(buf, 1)
	}
	buf = appendU32(buf, uint32(valueUint8))
	buf = appendU64(buf, 1)
	buf = append(buf, 0)

	if _, err := Parse(buf); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Parse = %v, want ErrInvalidFormat", err)
	}
}

func TestParseArrayLengthOverflow(t *testing.T) {
	var buf []byte
	buf = appendU32(buf, Magic)
	buf = appendU32(buf, VersionV3)
	buf = appendU64(buf, 0)
	buf = appendU64(buf, 1)
	buf = appendString(buf, "huge")
	buf = appendU32(buf, uint32(valueArray))
	buf = appendU32(buf, uint32(valueUint64))
	buf = appendU64(buf, ^uint64(0)) // count*8 overflows

	_, err := Parse(buf)
	if !errors.Is(err, ErrInvalidFormat) && !errors.Is(err, ErrTruncated) {
		t.Errorf("Parse = %v, want format or truncation error", err)
	}
}

func FuzzParse(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("GGUF"))
	valid, err := NewBuilder().
		AddKV("general.architecture", "llama").
		AddTensor("t", []uint64{32}, TypeF32, make([]byte, 128)).
		Bytes()
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid)
	f.Add(valid[:len(valid)/2])

	f.Fuzz(func(t *testing.T, data []byte) {
		parsed, err := Parse(data)
		if err != nil {
			return
		}
		if parsed.DataOffset > uint64(len(data)) {
			t.Errorf("data offset %d beyond %d-byte input", parsed.DataOffset, len(data))
		}
		for _, ti := range parsed.Tensors {
			size, err := ti.SizeBytes()
			if err != nil {
				t.Errorf("tensor %q: accepted but size fails: %v", ti.Name, err)
				continue
			}
			if len(ti.Data) != size {
				t.Errorf("tensor %q: data %d bytes, declared %d", ti.Name, len(ti.Data), size)
			}
		}
	})
}
