package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/metrics"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/tensor"
)

// ErrContextFull reports that a session has no room for more positions.
var ErrContextFull = errors.New("engine: context window full")

// Evaluate runs the forward pass over tokens, appending them to the
// session. After a nil return, st.Logits holds the next-token
// distribution for the last token and st.Phase is PhaseLogitsReady. On
// error the session keeps the positions that completed; model, arena and
// caches stay usable.
func (m *Model) Evaluate(st *InferenceState, tokens []int) error {
	if len(tokens) == 0 {
		return fmt.Errorf("engine: no tokens to evaluate")
	}
	if st.Pos+len(tokens) > m.Params.ContextLength {
		return fmt.Errorf("%w: %d held + %d new > %d",
			ErrContextFull, st.Pos, len(tokens), m.Params.ContextLength)
	}

	for _, tok := range tokens {
		if err := m.step(st, tok); err != nil {
			phase := st.Phase
			st.Phase = PhaseIdle
			return fmt.Errorf("engine: session %s pos %d phase %s: %w", st.ID, st.Pos, phase, err)
		}
	}
	st.Phase = PhaseLogitsReady
	return nil
}

// step advances the session by one token: embedding, every layer's
// attention and feed-forward blocks, final norm, output projection.
func (m *Model) step(st *InferenceState, tok int) error {
	p := &m.Params
	if tok < 0 || tok >= p.VocabSize {
		return fmt.Errorf("token %d outside vocabulary of %d", tok, p.VocabSize)
	}

	st.Phase = PhaseEmbeddingLookup
	emb, release, err := m.dense(-1, RoleTokenEmbd, m.tokenEmbd)
	if err != nil {
		return err
	}
	err = tensor.EmbedRow(st.x, emb, tok)
	release()
	if err != nil {
		return err
	}

	st.Phase = PhasePerLayer
	for l := range m.layers {
		if err := m.layerStep(st, l); err != nil {
			return err
		}
		if !m.yield() {
			return fmt.Errorf("%w: after layer %d", tensor.ErrCanceled, l)
		}
	}

	st.Phase = PhaseFinalNorm
	if err := m.withDense(-1, RoleOutputNorm, m.outputNorm, func(t *tensor.Tensor) error {
		return tensor.RMSNorm(st.xn, st.x, t.Row(0), p.NormEpsilon)
	}); err != nil {
		return fmt.Errorf("final norm: %w", err)
	}

	st.Phase = PhaseOutputProjection
	if err := m.withDense(-1, RoleOutput, m.output, func(t *tensor.Tensor) error {
		return tensor.MatVec(st.Logits, t, st.xn)
	}); err != nil {
		return fmt.Errorf("output projection: %w", err)
	}

	st.Tokens = append(st.Tokens, tok)
	st.Pos++
	metrics.KVCachePositions.Set(float64(st.Pos))
	return nil
}

func (m *Model) layerStep(st *InferenceState, l int) error {
	p := &m.Params
	lw := m.layers[l]
	headDim := p.HeadDim()
	group := p.HeadCount / p.HeadCountKV

	// Attention block.
	if err := m.withDense(l, RoleAttnNorm, lw[RoleAttnNorm], func(t *tensor.Tensor) error {
		return tensor.RMSNorm(st.xn, st.x, t.Row(0), p.NormEpsilon)
	}); err != nil {
		return fmt.Errorf("layer %d attn_norm: %w", l, err)
	}

	for _, proj := range []struct {
		role string
		dst  []float32
	}{
		{RoleAttnQ, st.q},
		{RoleAttnK, st.k},
		{RoleAttnV, st.v},
	} {
		if err := m.withDense(l, proj.role, lw[proj.role], func(t *tensor.Tensor) error {
			return tensor.MatVec(proj.dst, t, st.xn)
		}); err != nil {
			return fmt.Errorf("layer %d %s: %w", l, proj.role, err)
		}
	}

	if err := tensor.Rope(st.q, st.Pos, headDim, p.RopeDims, float64(p.RopeTheta)); err != nil {
		return fmt.Errorf("layer %d rope q: %w", l, err)
	}
	if err := tensor.Rope(st.k, st.Pos, headDim, p.RopeDims, float64(p.RopeTheta)); err != nil {
		return fmt.Errorf("layer %d rope k: %w", l, err)
	}

	st.kv.put(l, st.Pos, st.k, st.v)

	// Causal attention over positions [0, st.Pos]. Grouped queries: each
	// kv head serves `group` query heads.
	scale := float32(1 / math.Sqrt(float64(headDim)))
	for h := 0; h < p.HeadCount; h++ {
		kvHead := h / group
		q := st.q[h*headDim : (h+1)*headDim]
		scores := st.scores[:st.Pos+1]
		for t := 0; t <= st.Pos; t++ {
			key := st.kv.keyAt(l, t)[kvHead*headDim : (kvHead+1)*headDim]
			scores[t] = tensor.Dot(q, key) * scale
		}
		tensor.Softmax(scores)

		out := st.attnOut[h*headDim : (h+1)*headDim]
		for i := range out {
			out[i] = 0
		}
		for t := 0; t <= st.Pos; t++ {
			val := st.kv.valueAt(l, t)[kvHead*headDim : (kvHead+1)*headDim]
			s := scores[t]
			for i := range out {
				out[i] += s * val[i]
			}
		}
	}

	if err := m.withDense(l, RoleAttnOutput, lw[RoleAttnOutput], func(t *tensor.Tensor) error {
		return tensor.MatVec(st.xn, t, st.attnOut)
	}); err != nil {
		return fmt.Errorf("layer %d attn_output: %w", l, err)
	}
	if err := tensor.Add(st.x, st.xn); err != nil {
		return fmt.Errorf("layer %d attn residual: %w", l, err)
	}

	// Feed-forward block: gated SiLU.
	if err := m.withDense(l, RoleFFNNorm, lw[RoleFFNNorm], func(t *tensor.Tensor) error {
		return tensor.RMSNorm(st.xn, st.x, t.Row(0), p.NormEpsilon)
	}); err != nil {
		return fmt.Errorf("layer %d ffn_norm: %w", l, err)
	}
	if err := m.withDense(l, RoleFFNGate, lw[RoleFFNGate], func(t *tensor.Tensor) error {
		return tensor.MatVec(st.gate, t, st.xn)
	}); err != nil {
		return fmt.Errorf("layer %d ffn_gate: %w", l, err)
	}
	if err := m.withDense(l, RoleFFNUp, lw[RoleFFNUp], func(t *tensor.Tensor) error {
		return tensor.MatVec(st.up, t, st.xn)
	}); err != nil {
		return fmt.Errorf("layer %d ffn_up: %w", l, err)
	}
	tensor.SiLU(st.gate)
	if err := tensor.Mul(st.gate, st.up); err != nil {
		return fmt.Errorf("layer %d ffn activation: %w", l, err)
	}
	if err := m.withDense(l, RoleFFNDown, lw[RoleFFNDown], func(t *tensor.Tensor) error {
		return tensor.MatVec(st.ffnOut, t, st.gate)
	}); err != nil {
		return fmt.Errorf("layer %d ffn_down: %w", l, err)
	}
	if err := tensor.Add(st.x, st.ffnOut); err != nil {
		return fmt.Errorf("layer %d ffn residual: %w", l, err)
	}
	return nil
}

// withDense runs fn against the expanded form of w, releasing any cache
// reference afterwards.
func (m *Model) withDense(layer int, role string, w *weight, fn func(*tensor.Tensor) error) error {
	t, release, err := m.dense(layer, role, w)
	if err != nil {
		return err
	}
	defer release()
	return fn(t)
}
