package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/metrics"
)

// Generate runs the full loop: prefill the prompt, then sample and
// evaluate one token at a time until maxNew tokens, the end-of-sequence
// token, a full context, or ctx cancellation. It returns only the newly
// generated tokens; st.Tokens accumulates the whole session.
func (m *Model) Generate(ctx context.Context, st *InferenceState, sampler Sampler, prompt []int, maxNew int) ([]int, error) {
	if maxNew <= 0 {
		return nil, fmt.Errorf("engine: max new tokens %d", maxNew)
	}

	p := &m.Params
	if p.BOSToken >= 0 && (len(prompt) == 0 || prompt[0] != p.BOSToken) {
		prompt = append([]int{p.BOSToken}, prompt...)
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("engine: empty prompt and no beginning-of-sequence token")
	}

	start := time.Now()
	if err := m.Evaluate(st, prompt); err != nil {
		return nil, err
	}
	metrics.PrefillTokens.Observe(float64(len(prompt)))
	logger.Log.Debug("prefill complete",
		"session", st.ID, "tokens", len(prompt), "elapsed", time.Since(start))

	generated := make([]int, 0, maxNew)
	for len(generated) < maxNew {
		if err := ctx.Err(); err != nil {
			return generated, fmt.Errorf("engine: session %s: %w", st.ID, err)
		}

		next := sampler.Sample(st.Logits, st.Tokens)
		generated = append(generated, next)
		if next == p.EOSToken {
			break
		}
		if st.Remaining(m) == 0 {
			break
		}

		if err := m.Evaluate(st, []int{next}); err != nil {
			return generated, err
		}
	}

	elapsed := time.Since(start)
	metrics.RecordInference(len(prompt)+len(generated), elapsed)
	logger.Log.Info("generation complete",
		"session", st.ID,
		"prompt_tokens", len(prompt),
		"new_tokens", len(generated),
		"tokens_per_sec", float64(len(prompt)+len(generated))/elapsed.Seconds())
	return generated, nil
}
