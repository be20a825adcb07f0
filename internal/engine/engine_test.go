package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/arena"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/gguf"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/tensor"
)

// Toy geometry: 2 layers, 8-wide embeddings, 2 heads over 1 kv head,
// 16-wide FFN, 16-token vocabulary, 32-position context.
const (
	toyEmb    = 8
	toyLayers = 2
	toyFFN    = 16
	toyVocab  = 16
	toyCtx    = 32
	toyKVDim  = 4
)

func toyMetadata(b *gguf.Builder) {
	b.AddKV("general.architecture", "llama")
	b.AddKV("llama.block_count", uint32(toyLayers))
	b.AddKV("llama.embedding_length", uint32(toyEmb))
	b.AddKV("llama.attention.head_count", uint32(2))
	b.AddKV("llama.attention.head_count_kv", uint32(1))
	b.AddKV("llama.context_length", uint32(toyCtx))
	b.AddKV("llama.feed_forward_length", uint32(toyFFN))
	b.AddKV("llama.rope.dimension_count", uint32(4))
	b.AddKV("llama.attention.layer_norm_rms_epsilon", float32(1e-5))
}

func toyValues(rng *rand.Rand, n int) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = rng.Float32()*0.2 - 0.1
	}
	return vals
}

// toyContainer builds a complete small model. Attention projections are
// byte-quantized so evaluation exercises the codec; the rest stays dense.
func toyContainer(t *testing.T) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	b := gguf.NewBuilder()
	toyMetadata(b)

	add := func(name string, dims []uint64, typ gguf.TensorType) {
		n := 1
		for _, d := range dims {
			n *= int(d)
		}
		if err := b.AddTensorF32(name, dims, typ, toyValues(rng, n)); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	add("token_embd.weight", []uint64{toyEmb, toyVocab}, gguf.TypeF32)
	add("output_norm.weight", []uint64{toyEmb}, gguf.TypeF32)
	add("output.weight", []uint64{toyEmb, toyVocab}, gguf.TypeF32)
	for _, l := range []string{"blk.0", "blk.1"} {
		add(l+".attn_norm.weight", []uint64{toyEmb}, gguf.TypeF32)
		add(l+".attn_q.weight", []uint64{toyEmb, toyEmb}, gguf.TypeQ8_0)
		add(l+".attn_k.weight", []uint64{toyEmb, toyKVDim}, gguf.TypeQ8_0)
		add(l+".attn_v.weight", []uint64{toyEmb, toyKVDim}, gguf.TypeQ8_0)
		add(l+".attn_output.weight", []uint64{toyEmb, toyEmb}, gguf.TypeQ8_0)
		add(l+".ffn_norm.weight", []uint64{toyEmb}, gguf.TypeF32)
		add(l+".ffn_gate.weight", []uint64{toyEmb, toyFFN}, gguf.TypeF32)
		add(l+".ffn_up.weight", []uint64{toyEmb, toyFFN}, gguf.TypeF32)
		add(l+".ffn_down.weight", []uint64{toyFFN, toyEmb}, gguf.TypeF32)
	}

	buf, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return buf
}

func loadToy(t *testing.T, buf []byte, opts Options) *Model {
	t.Helper()
	m, err := Load(buf, arena.New(4<<20), opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func TestLoadToyModel(t *testing.T) {
	m := loadToy(t, toyContainer(t), Options{})
	p := m.Params
	if p.LayerCount != toyLayers || p.EmbeddingWidth != toyEmb || p.HeadCount != 2 || p.HeadCountKV != 1 {
		t.Errorf("params = %+v", p)
	}
	// Vocabulary inferred from the embedding table row count.
	if p.VocabSize != toyVocab {
		t.Errorf("vocab = %d, want %d", p.VocabSize, toyVocab)
	}
	if len(m.layers) != toyLayers {
		t.Errorf("bound %d layers", len(m.layers))
	}
}

func TestEvaluateProducesFiniteLogits(t *testing.T) {
	m := loadToy(t, toyContainer(t), Options{})
	st, err := m.NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	if err := m.Evaluate(st, []int{3, 4, 5}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if st.Phase != PhaseLogitsReady {
		t.Errorf("phase = %s", st.Phase)
	}
	if st.Pos != 3 || len(st.Tokens) != 3 {
		t.Errorf("pos/tokens = %d/%d", st.Pos, len(st.Tokens))
	}
	if len(st.Logits) != toyVocab {
		t.Fatalf("logits length %d", len(st.Logits))
	}
	allZero := true
	for i, v := range st.Logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d = %v", i, v)
		}
		if v != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Error("all logits zero after evaluating a real model")
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	buf := toyContainer(t)
	m := loadToy(t, buf, Options{})

	run := func() []float32 {
		st, err := m.NewState()
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Evaluate(st, []int{1, 2, 3, 4}); err != nil {
			t.Fatal(err)
		}
		out := make([]float32, len(st.Logits))
		copy(out, st.Logits)
		return out
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

// Feeding the prompt in one call or one token at a time must agree: the
// KV cache carries everything the later positions need.
func TestPrefillMatchesIncremental(t *testing.T) {
	m := loadToy(t, toyContainer(t), Options{})
	prompt := []int{5, 9, 11}

	whole, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Evaluate(whole, prompt); err != nil {
		t.Fatal(err)
	}

	step, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	for _, tok := range prompt {
		if err := m.Evaluate(step, []int{tok}); err != nil {
			t.Fatal(err)
		}
	}

	for i := range whole.Logits {
		if whole.Logits[i] != step.Logits[i] {
			t.Fatalf("logit %d: prefill %v, incremental %v", i, whole.Logits[i], step.Logits[i])
		}
	}
}

func TestEvaluateContextFull(t *testing.T) {
	m := loadToy(t, toyContainer(t), Options{})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	long := make([]int, toyCtx+1)
	if err := m.Evaluate(st, long); !errors.Is(err, ErrContextFull) {
		t.Errorf("Evaluate = %v, want ErrContextFull", err)
	}
	// Nothing was consumed; the session still works.
	if st.Pos != 0 {
		t.Errorf("pos = %d after rejected batch", st.Pos)
	}
	if err := m.Evaluate(st, []int{1}); err != nil {
		t.Errorf("session unusable after rejection: %v", err)
	}
}

func TestEvaluateRejectsBadToken(t *testing.T) {
	m := loadToy(t, toyContainer(t), Options{})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Evaluate(st, []int{toyVocab}); err == nil {
		t.Fatal("Evaluate accepted an out-of-vocabulary token")
	}
	if st.Pos != 0 || st.Phase != PhaseIdle {
		t.Errorf("pos/phase after failure = %d/%s", st.Pos, st.Phase)
	}
	if err := m.Evaluate(st, []int{1, 2}); err != nil {
		t.Errorf("session unusable after bad token: %v", err)
	}
}

func TestEvaluateShapeErrorNamesLayerAndOp(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	b := gguf.NewBuilder()
	toyMetadata(b)
	// attn_q output width disagrees with the embedding width.
	if err := b.AddTensorF32("token_embd.weight", []uint64{toyEmb, toyVocab}, gguf.TypeF32, toyValues(rng, toyEmb*toyVocab)); err != nil {
		t.Fatal(err)
	}
	if err := b.AddTensorF32("blk.0.attn_q.weight", []uint64{toyEmb, 7}, gguf.TypeF32, toyValues(rng, toyEmb*7)); err != nil {
		t.Fatal(err)
	}
	buf, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	m := loadToy(t, buf, Options{})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	err = m.Evaluate(st, []int{1})
	if err == nil {
		t.Fatal("Evaluate accepted a misshapen projection")
	}
	var se *tensor.ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("error %v does not wrap a ShapeError", err)
	}
	if !strings.Contains(err.Error(), "layer 0") || !strings.Contains(err.Error(), "attn_q") {
		t.Errorf("error %q does not name layer and op", err)
	}
	if st.Pos != 0 {
		t.Errorf("failed step advanced pos to %d", st.Pos)
	}
}

// A container stripped to metadata plus embedding and output tables must
// still load and generate: every layer binds placeholders and the stream
// passes through unchanged.
func TestPlaceholderModelGenerates(t *testing.T) {
	rng := rand.New(rand.NewSource(44))
	b := gguf.NewBuilder()
	toyMetadata(b)
	if err := b.AddTensorF32("token_embd.weight", []uint64{toyEmb, toyVocab}, gguf.TypeF32, toyValues(rng, toyEmb*toyVocab)); err != nil {
		t.Fatal(err)
	}
	if err := b.AddTensorF32("output.weight", []uint64{toyEmb, toyVocab}, gguf.TypeF32, toyValues(rng, toyEmb*toyVocab)); err != nil {
		t.Fatal(err)
	}
	buf, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	m := loadToy(t, buf, Options{})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.Generate(context.Background(), st, Greedy{}, []int{3, 4, 5}, 5)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("generated %d tokens, want 5", len(out))
	}
	for _, v := range st.Logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("placeholder model produced logit %v", v)
		}
	}
	if st.Pos != 3+5 {
		t.Errorf("pos = %d", st.Pos)
	}
}

func TestGenerateStopsAtEOS(t *testing.T) {
	rng := rand.New(rand.NewSource(45))
	b := gguf.NewBuilder()
	toyMetadata(b)
	b.AddKV("tokenizer.ggml.eos_token_id", uint32(2))
	if err := b.AddTensorF32("token_embd.weight", []uint64{toyEmb, toyVocab}, gguf.TypeF32, toyValues(rng, toyEmb*toyVocab)); err != nil {
		t.Fatal(err)
	}
	buf, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	m := loadToy(t, buf, Options{})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}

	seq := &scriptedSampler{script: []int{7, 2, 9}}
	out, err := m.Generate(context.Background(), st, seq, []int{1}, 10)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 2 || out[0] != 7 || out[1] != 2 {
		t.Errorf("generated %v, want [7 2]", out)
	}
}

func TestGenerateHonorsCancellation(t *testing.T) {
	m := loadToy(t, toyContainer(t), Options{})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Generate(ctx, st, Greedy{}, []int{1, 2}, 5)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Generate = %v, want context.Canceled", err)
	}
}

func TestGenerateBOSPrepend(t *testing.T) {
	rng := rand.New(rand.NewSource(46))
	b := gguf.NewBuilder()
	toyMetadata(b)
	b.AddKV("tokenizer.ggml.bos_token_id", uint32(1))
	if err := b.AddTensorF32("token_embd.weight", []uint64{toyEmb, toyVocab}, gguf.TypeF32, toyValues(rng, toyEmb*toyVocab)); err != nil {
		t.Fatal(err)
	}
	buf, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	m := loadToy(t, buf, Options{})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Generate(context.Background(), st, Greedy{}, []int{5}, 1); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(st.Tokens) < 2 || st.Tokens[0] != 1 || st.Tokens[1] != 5 {
		t.Errorf("session tokens %v, want BOS-prefixed prompt", st.Tokens)
	}
}

func TestWeightCacheServesRepeatEvaluations(t *testing.T) {
	m := loadToy(t, toyContainer(t), Options{WeightCacheBytes: 1 << 20})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Evaluate(st, []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	stats := m.cache.Stats()
	if stats.Misses == 0 {
		t.Error("cache never populated")
	}
	if stats.Hits == 0 {
		t.Error("second token never hit the cache")
	}
	if stats.Rejections != 0 {
		t.Errorf("unexpected rejections: %+v", stats)
	}
}

func TestTinyWeightCacheStillEvaluates(t *testing.T) {
	// A budget too small for any weight rejects every admission; the
	// transient path must carry the whole forward pass.
	m := loadToy(t, toyContainer(t), Options{WeightCacheBytes: 16})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Evaluate(st, []int{1, 2, 3}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	stats := m.cache.Stats()
	if stats.Rejections == 0 {
		t.Error("tiny budget admitted weights")
	}
	if stats.Entries != 0 || stats.UsedBytes != 0 {
		t.Errorf("residue after rejections: %+v", stats)
	}
}

func TestEvaluateYieldCancel(t *testing.T) {
	m := loadToy(t, toyContainer(t), Options{Yield: func() bool { return false }})
	st, err := m.NewState()
	if err != nil {
		t.Fatal(err)
	}
	err = m.Evaluate(st, []int{1})
	if !errors.Is(err, tensor.ErrCanceled) && !errors.Is(err, gguf.ErrCanceled) {
		t.Errorf("Evaluate = %v, want a cancellation error", err)
	}
	if st.Pos != 0 {
		t.Errorf("canceled step advanced pos to %d", st.Pos)
	}
}

type scriptedSampler struct {
	script []int
	i      int
}

func (s *scriptedSampler) Sample(logits []float32, history []int) int {
	if s.i >= len(s.script) {
		return 0
	}
	tok := s.script[s.i]
	s.i++
	return tok
}
