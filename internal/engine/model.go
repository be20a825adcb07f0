// Package engine evaluates a transformer over a parsed container: weight
// binding, KV-cached attention, logits, sampling and the generation loop.
package engine

import (
	"errors"
	"fmt"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/arena"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/config"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/gguf"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/metrics"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/tensor"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/weightcache"
)

// Weight roles. Container tensor names derive from these: whole-model
// roles are "<role>.weight", per-layer roles "blk.<n>.<role>.weight".
const (
	RoleTokenEmbd  = "token_embd"
	RoleOutputNorm = "output_norm"
	RoleOutput     = "output"

	RoleAttnNorm   = "attn_norm"
	RoleAttnQ      = "attn_q"
	RoleAttnK      = "attn_k"
	RoleAttnV      = "attn_v"
	RoleAttnOutput = "attn_output"
	RoleFFNNorm    = "ffn_norm"
	RoleFFNGate    = "ffn_gate"
	RoleFFNUp      = "ffn_up"
	RoleFFNDown    = "ffn_down"
)

var layerRoles = []string{
	RoleAttnNorm, RoleAttnQ, RoleAttnK, RoleAttnV, RoleAttnOutput,
	RoleFFNNorm, RoleFFNGate, RoleFFNUp, RoleFFNDown,
}

// ErrMissingTensor reports a weight absent from the container for which
// no placeholder is viable.
var ErrMissingTensor = errors.New("engine: missing tensor")

// weight is a bound model weight: either an arena-backed copy of the
// stored quantized payload, or a placeholder materialized at load.
type weight struct {
	raw        []byte
	typ        gguf.TensorType
	rows, cols int
	dense      []float32 // placeholder values; nil when raw is set
}

func (w *weight) count() int { return w.rows * w.cols }

// Options tune Load.
type Options struct {
	// WeightCacheBytes bounds the dequantized-weight cache. Zero
	// disables caching; every use then dequantizes transiently.
	WeightCacheBytes int64
	// Yield is polled between row blocks of long dequantizations and
	// products. Returning false cancels the evaluation in progress.
	// Nil never yields.
	Yield func() bool
}

// Model is a loaded, evaluable transformer. The container buffer is not
// retained: every payload is copied into the arena at load so the caller
// may release buf immediately.
type Model struct {
	Params config.Params

	arena   *arena.Arena
	cache   *weightcache.Cache
	yieldFn func() bool

	tokenEmbd  *weight
	outputNorm *weight
	output     *weight
	layers     []layerWeights
}

type layerWeights map[string]*weight

// Load parses buf, derives and validates hyperparameters, copies every
// referenced payload into the arena and binds weights to roles. A layer
// role missing from the container binds to a placeholder (ones for norm
// vectors, zeros for projections) so a damaged model degrades to
// near-no-op layers instead of refusing to load; every fallback is
// logged and counted.
func Load(buf []byte, a *arena.Arena, opts Options) (*Model, error) {
	f, err := gguf.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	params, err := config.FromFile(f)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Params:  params,
		arena:   a,
		yieldFn: opts.Yield,
	}
	if opts.WeightCacheBytes > 0 {
		m.cache = weightcache.New(opts.WeightCacheBytes, nil)
	}

	emb := params.EmbeddingWidth
	if m.tokenEmbd, err = m.bind(f, RoleTokenEmbd+".weight", -1, emb, 0); err != nil {
		return nil, err
	}
	if m.tokenEmbd.dense != nil {
		// Placeholder embedding has no inherent row count; the
		// vocabulary size must come from metadata.
		if params.VocabSize <= 0 {
			return nil, fmt.Errorf("%w: %s and no vocab_size metadata", ErrMissingTensor, RoleTokenEmbd)
		}
	} else if params.VocabSize <= 0 {
		m.Params.VocabSize = m.tokenEmbd.rows
	}

	if m.outputNorm, err = m.bind(f, RoleOutputNorm+".weight", -1, emb, 1); err != nil {
		return nil, err
	}
	if m.output, err = m.bindOutput(f); err != nil {
		return nil, err
	}

	m.layers = make([]layerWeights, params.LayerCount)
	for l := 0; l < params.LayerCount; l++ {
		m.layers[l] = make(layerWeights, len(layerRoles))
		for _, role := range layerRoles {
			name := fmt.Sprintf("blk.%d.%s.weight", l, role)
			ph := float32(0)
			if role == RoleAttnNorm || role == RoleFFNNorm {
				ph = 1
			}
			w, err := m.bind(f, name, l, emb, ph)
			if err != nil {
				return nil, err
			}
			m.layers[l][role] = w
		}
	}

	logger.Log.Info("model loaded",
		"architecture", params.Architecture,
		"layers", params.LayerCount,
		"embedding", params.EmbeddingWidth,
		"heads", params.HeadCount,
		"kv_heads", params.HeadCountKV,
		"vocab", m.Params.VocabSize,
		"arena_used", a.Used())
	return m, nil
}

// bind copies the named tensor's payload into the arena, or materializes
// a placeholder of the role's shape when the container lacks it.
func (m *Model) bind(f *gguf.File, name string, layer, emb int, placeholder float32) (*weight, error) {
	ti := f.Tensor(name)
	if ti == nil {
		role := roleOf(name)
		rows, cols := m.placeholderShape(role, emb)
		logger.Log.Warn("tensor missing, using placeholder",
			"name", name, "layer", layer, "fill", placeholder)
		metrics.MissingTensorTotal.WithLabelValues(role).Inc()

		dense, err := m.arena.AllocFloat32(rows * cols)
		if err != nil {
			return nil, fmt.Errorf("engine: placeholder for %s: %w", name, err)
		}
		for i := range dense {
			dense[i] = placeholder
		}
		return &weight{rows: rows, cols: cols, dense: dense}, nil
	}

	rows, cols := tensor.ShapeFromDims(ti.Dims)
	raw, err := m.arena.Alloc(len(ti.Data))
	if err != nil {
		return nil, fmt.Errorf("engine: payload for %s: %w", name, err)
	}
	copy(raw, ti.Data)
	return &weight{raw: raw, typ: ti.Type, rows: rows, cols: cols}, nil
}

// bindOutput resolves the output projection, falling back to the shared
// embedding table when the container ties them.
func (m *Model) bindOutput(f *gguf.File) (*weight, error) {
	if f.Tensor(RoleOutput+".weight") != nil {
		return m.bind(f, RoleOutput+".weight", -1, m.Params.EmbeddingWidth, 0)
	}
	if m.tokenEmbd.raw != nil || m.tokenEmbd.dense != nil {
		logger.Log.Info("output projection tied to token embedding")
		return m.tokenEmbd, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMissingTensor, RoleOutput)
}

// placeholderShape gives the expected dense shape of a role that is
// absent from the container.
func (m *Model) placeholderShape(role string, emb int) (rows, cols int) {
	p := &m.Params
	switch role {
	case RoleAttnNorm, RoleFFNNorm, RoleOutputNorm:
		return 1, emb
	case RoleAttnK, RoleAttnV:
		return p.KVDim(), emb
	case RoleFFNGate, RoleFFNUp:
		return p.FeedForwardWidth, emb
	case RoleFFNDown:
		return emb, p.FeedForwardWidth
	case RoleTokenEmbd, RoleOutput:
		return p.VocabSize, emb
	default: // attn_q, attn_output
		return emb, emb
	}
}

func roleOf(name string) string {
	// "blk.<n>.<role>.weight" or "<role>.weight"
	start := 0
	dots := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			dots++
			if dots == 2 && name[0] == 'b' {
				start = i + 1
				break
			}
		}
	}
	trimmed := name[start:]
	if len(trimmed) > len(".weight") && trimmed[len(trimmed)-len(".weight"):] == ".weight" {
		trimmed = trimmed[:len(trimmed)-len(".weight")]
	}
	return trimmed
}

// dense returns the expanded form of w as a matrix, consulting the weight
// cache first and falling back to a transient buffer when the cache is
// full or disabled.
func (m *Model) dense(layer int, role string, w *weight) (*tensor.Tensor, func(), error) {
	if w.dense != nil {
		t, err := tensor.FromData(w.rows, w.cols, w.dense)
		return t, func() {}, err
	}

	if m.cache != nil {
		data, err := m.cache.Get(layer, role, w.raw, w.count(), w.typ)
		if err == nil {
			t, terr := tensor.FromData(w.rows, w.cols, data)
			return t, func() { m.cache.Release(layer, role) }, terr
		}
		if !errors.Is(err, weightcache.ErrCacheFull) {
			return nil, nil, err
		}
	}

	data := make([]float32, w.count())
	if err := gguf.DequantizeChunked(data, w.raw, w.count(), w.typ, dequantChunkElems, m.yield); err != nil {
		return nil, nil, fmt.Errorf("engine: layer %d %s: %w", layer, role, err)
	}
	t, err := tensor.FromData(w.rows, w.cols, data)
	return t, func() {}, err
}

// dequantChunkElems is the transient-dequantization yield granularity.
const dequantChunkElems = 64 * gguf.BlockSizeK

func (m *Model) yield() bool {
	if m.yieldFn == nil {
		return true
	}
	return m.yieldFn()
}
