package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/tensor"
)

// Sampler turns a logits vector into the next token id. history carries
// the session's accepted tokens for repetition-aware strategies.
type Sampler interface {
	Sample(logits []float32, history []int) int
}

// Greedy always takes the highest logit.
type Greedy struct{}

func (Greedy) Sample(logits []float32, history []int) int {
	return argMax(logits)
}

// SamplerConfig tunes the stochastic sampler. A zero Temperature degrades
// to greedy; TopK<=0 and TopP>=1 disable their filters.
type SamplerConfig struct {
	Temperature   float64
	TopK          int
	TopP          float64
	RepeatPenalty float64
	Seed          int64
}

// Nucleus samples from the temperature-scaled distribution after top-k
// and top-p truncation, with an optional repetition penalty over the
// session history.
type Nucleus struct {
	cfg SamplerConfig
	rng *rand.Rand
}

func NewNucleus(cfg SamplerConfig) *Nucleus {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Nucleus{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

type candidate struct {
	id   int
	prob float32
}

func (s *Nucleus) Sample(logits []float32, history []int) int {
	work := make([]float32, len(logits))
	copy(work, logits)

	if s.cfg.RepeatPenalty > 1 && len(history) > 0 {
		applyRepeatPenalty(work, history, float32(s.cfg.RepeatPenalty))
	}

	if s.cfg.Temperature <= 0 {
		return argMax(work)
	}
	inv := float32(1 / s.cfg.Temperature)
	for i := range work {
		work[i] *= inv
	}
	tensor.Softmax(work)

	candidates := make([]candidate, 0, len(work))
	for i, p := range work {
		if !math.IsNaN(float64(p)) && p > 0 {
			candidates = append(candidates, candidate{id: i, prob: p})
		}
	}
	if len(candidates) == 0 {
		return argMax(logits)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].prob > candidates[j].prob })

	if s.cfg.TopK > 0 && len(candidates) > s.cfg.TopK {
		candidates = candidates[:s.cfg.TopK]
	}
	if s.cfg.TopP > 0 && s.cfg.TopP < 1 {
		var cum float32
		cut := len(candidates)
		for i, c := range candidates {
			cum += c.prob
			if cum >= float32(s.cfg.TopP) {
				cut = i + 1
				break
			}
		}
		candidates = candidates[:cut]
	}

	var total float32
	for _, c := range candidates {
		total += c.prob
	}
	r := s.rng.Float32() * total
	for _, c := range candidates {
		r -= c.prob
		if r <= 0 {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

// applyRepeatPenalty dampens every token already in the history: positive
// logits shrink, negative ones grow more negative.
func applyRepeatPenalty(logits []float32, history []int, penalty float32) {
	seen := make(map[int]struct{}, len(history))
	for _, id := range history {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

// argMax returns the index of the largest finite logit, skipping NaN and
// infinities so a poisoned vector still yields a deterministic token.
func argMax(logits []float32) int {
	best := -1
	var bestVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		if best == -1 || v > bestVal {
			best, bestVal = i, v
		}
	}
	if best == -1 {
		return 0
	}
	return best
}
