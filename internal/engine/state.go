package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
)

// Phase tracks where an evaluation is in the forward pass. It exists for
// observability: error messages and logs name the phase that failed.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEmbeddingLookup
	PhasePerLayer
	PhaseFinalNorm
	PhaseOutputProjection
	PhaseLogitsReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEmbeddingLookup:
		return "embedding_lookup"
	case PhasePerLayer:
		return "per_layer"
	case PhaseFinalNorm:
		return "final_norm"
	case PhaseOutputProjection:
		return "output_projection"
	case PhaseLogitsReady:
		return "logits_ready"
	default:
		return fmt.Sprintf("phase_%d", int(p))
	}
}

// InferenceState is one generation session against a model: its KV cache,
// accepted tokens, last logits and the scratch vectors the forward pass
// reuses. States are independent; a model serves many.
type InferenceState struct {
	ID     string
	Pos    int
	Phase  Phase
	Tokens []int
	Logits []float32

	kv *kvCache

	// Forward-pass scratch, sized once from the hyperparameters.
	x, xn    []float32
	q, k, v  []float32
	attnOut  []float32
	gate, up []float32
	ffnOut   []float32
	scores   []float32
}

// NewState prepares an inference session. The KV cache, the dominant
// allocation, comes from the model's arena; scratch vectors are small
// and heap-held.
func (m *Model) NewState() (*InferenceState, error) {
	p := &m.Params
	kv, err := newKVCache(m.arena, p.LayerCount, p.ContextLength, p.KVDim())
	if err != nil {
		return nil, err
	}

	st := &InferenceState{
		ID:      uuid.NewString(),
		Phase:   PhaseIdle,
		Tokens:  make([]int, 0, p.ContextLength),
		Logits:  make([]float32, p.VocabSize),
		kv:      kv,
		x:       make([]float32, p.EmbeddingWidth),
		xn:      make([]float32, p.EmbeddingWidth),
		q:       make([]float32, p.EmbeddingWidth),
		k:       make([]float32, p.KVDim()),
		v:       make([]float32, p.KVDim()),
		attnOut: make([]float32, p.EmbeddingWidth),
		gate:    make([]float32, p.FeedForwardWidth),
		up:      make([]float32, p.FeedForwardWidth),
		ffnOut:  make([]float32, p.EmbeddingWidth),
		scores:  make([]float32, p.ContextLength),
	}
	logger.Log.Debug("inference state created",
		"session", st.ID, "context", p.ContextLength, "kv_dim", p.KVDim())
	return st, nil
}

// Remaining reports how many more positions the session can hold.
func (st *InferenceState) Remaining(m *Model) int {
	return m.Params.ContextLength - st.Pos
}
