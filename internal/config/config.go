// Package config derives and validates model hyperparameters from
// container metadata, and loads the optional runtime settings file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/gguf"
)

// Params are the hyperparameters evaluation needs. All of them come from
// architecture-prefixed metadata keys; none are guessed from tensor
// shapes except the vocabulary size, which the loader may fill from the
// embedding table when the metadata omits it.
type Params struct {
	Architecture     string
	ContextLength    int
	EmbeddingWidth   int
	LayerCount       int
	HeadCount        int
	HeadCountKV      int
	FeedForwardWidth int
	RopeDims         int
	VocabSize        int
	NormEpsilon      float32
	RopeTheta        float32
	BOSToken         int
	EOSToken         int
}

// HeadDim is the per-head width.
func (p *Params) HeadDim() int {
	return p.EmbeddingWidth / p.HeadCount
}

// KVDim is the width of one cached K or V vector.
func (p *Params) KVDim() int {
	return p.HeadCountKV * p.HeadDim()
}

// FromFile reads the hyperparameters out of parsed container metadata.
// Fields a model cannot run without must be present and nonzero; the
// rest default sensibly (kv heads collapse to full heads, rotary width
// to the head width, rope base to 10000).
func FromFile(f *gguf.File) (Params, error) {
	var p Params

	arch, ok := f.String("general.architecture")
	if !ok || arch == "" {
		return p, fmt.Errorf("config: metadata missing general.architecture")
	}
	p.Architecture = arch

	required := []struct {
		key string
		dst *int
	}{
		{arch + ".block_count", &p.LayerCount},
		{arch + ".embedding_length", &p.EmbeddingWidth},
		{arch + ".attention.head_count", &p.HeadCount},
		{arch + ".context_length", &p.ContextLength},
		{arch + ".feed_forward_length", &p.FeedForwardWidth},
	}
	for _, r := range required {
		v, ok := f.Uint(r.key)
		if !ok || v == 0 {
			return p, fmt.Errorf("config: metadata missing or zero: %s", r.key)
		}
		*r.dst = int(v)
	}

	if v, ok := f.Uint(arch + ".attention.head_count_kv"); ok && v > 0 {
		p.HeadCountKV = int(v)
	} else {
		p.HeadCountKV = p.HeadCount
	}
	if v, ok := f.Uint(arch + ".rope.dimension_count"); ok && v > 0 {
		p.RopeDims = int(v)
	} else {
		p.RopeDims = p.EmbeddingWidth / p.HeadCount
	}
	if v, ok := f.Uint(arch + ".vocab_size"); ok {
		p.VocabSize = int(v)
	}

	p.NormEpsilon = 1e-5
	if v, ok := f.Float(arch + ".attention.layer_norm_rms_epsilon"); ok && v > 0 {
		p.NormEpsilon = float32(v)
	}
	p.RopeTheta = 10000
	if v, ok := f.Float(arch + ".rope.freq_base"); ok && v > 0 {
		p.RopeTheta = float32(v)
	}

	p.BOSToken = -1
	p.EOSToken = -1
	if v, ok := f.Uint("tokenizer.ggml.bos_token_id"); ok {
		p.BOSToken = int(v)
	}
	if v, ok := f.Uint("tokenizer.ggml.eos_token_id"); ok {
		p.EOSToken = int(v)
	}

	return p, p.Validate()
}

// Validate rejects parameter sets evaluation cannot run on.
func (p *Params) Validate() error {
	if p.Architecture == "" {
		return fmt.Errorf("config: empty architecture")
	}
	if p.LayerCount <= 0 {
		return fmt.Errorf("config: invalid layer count %d", p.LayerCount)
	}
	if p.EmbeddingWidth <= 0 {
		return fmt.Errorf("config: invalid embedding width %d", p.EmbeddingWidth)
	}
	if p.HeadCount <= 0 {
		return fmt.Errorf("config: invalid head count %d", p.HeadCount)
	}
	if p.HeadCountKV <= 0 || p.HeadCountKV > p.HeadCount {
		return fmt.Errorf("config: invalid kv head count %d for %d heads", p.HeadCountKV, p.HeadCount)
	}
	if p.HeadCount%p.HeadCountKV != 0 {
		return fmt.Errorf("config: head count %d not divisible by kv head count %d", p.HeadCount, p.HeadCountKV)
	}
	if p.EmbeddingWidth%p.HeadCount != 0 {
		return fmt.Errorf("config: embedding width %d not divisible by head count %d", p.EmbeddingWidth, p.HeadCount)
	}
	if p.ContextLength <= 0 {
		return fmt.Errorf("config: invalid context length %d", p.ContextLength)
	}
	if p.FeedForwardWidth <= 0 {
		return fmt.Errorf("config: invalid feed-forward width %d", p.FeedForwardWidth)
	}
	if p.RopeDims <= 0 || p.RopeDims > p.HeadDim() || p.RopeDims%2 != 0 {
		return fmt.Errorf("config: invalid rotary dimension count %d for head dim %d", p.RopeDims, p.HeadDim())
	}
	if p.NormEpsilon <= 0 {
		return fmt.Errorf("config: invalid norm epsilon %g", p.NormEpsilon)
	}
	if p.RopeTheta <= 0 {
		return fmt.Errorf("config: invalid rope theta %g", p.RopeTheta)
	}
	return nil
}

// Runtime is the optional settings file the CLI reads: sampling knobs
// and memory budgets, everything the container itself does not dictate.
type Runtime struct {
	ArenaBytes       int64   `yaml:"arena_bytes"`
	WeightCacheBytes int64   `yaml:"weight_cache_bytes"`
	Temperature      float64 `yaml:"temperature"`
	TopK             int     `yaml:"top_k"`
	TopP             float64 `yaml:"top_p"`
	RepeatPenalty    float64 `yaml:"repeat_penalty"`
	Seed             int64   `yaml:"seed"`
	MaxTokens        int     `yaml:"max_tokens"`
	LogLevel         string  `yaml:"log_level"`
	LogFormat        string  `yaml:"log_format"`
}

// DefaultRuntime returns the settings used when no file is given.
func DefaultRuntime() Runtime {
	return Runtime{
		ArenaBytes:       256 << 20,
		WeightCacheBytes: 128 << 20,
		Temperature:      0.8,
		TopK:             40,
		TopP:             0.95,
		RepeatPenalty:    1.1,
		Seed:             0,
		MaxTokens:        128,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// LoadRuntime reads a YAML settings file over the defaults.
func LoadRuntime(path string) (Runtime, error) {
	r := DefaultRuntime()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return r, nil
}
