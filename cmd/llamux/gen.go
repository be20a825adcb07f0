package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/gguf"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
)

// genCmd writes a small synthetic container with random weights. It gives
// run and inspect something to chew on without a real model download.
func genCmd() *cli.Command {
	var (
		outPath string
		layers  int
		emb     int
		heads   int
		kvHeads int
		ffn     int
		vocab   int
		ctxLen  int
		quant   string
		seed    int64
	)

	return &cli.Command{
		Name:  "gen",
		Usage: "Write a synthetic GGUF container for testing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output path", Value: "test.gguf", Destination: &outPath},
			&cli.IntFlag{Name: "layers", Value: 2, Destination: &layers},
			&cli.IntFlag{Name: "embedding", Value: 64, Destination: &emb},
			&cli.IntFlag{Name: "heads", Value: 4, Destination: &heads},
			&cli.IntFlag{Name: "kv-heads", Value: 2, Destination: &kvHeads},
			&cli.IntFlag{Name: "ffn", Value: 128, Destination: &ffn},
			&cli.IntFlag{Name: "vocab", Value: 256, Destination: &vocab},
			&cli.IntFlag{Name: "context", Value: 128, Destination: &ctxLen},
			&cli.StringFlag{Name: "quant", Usage: "f32, f16, q8_0, q4_k or q6_k", Value: "q8_0", Destination: &quant},
			&cli.Int64Flag{Name: "seed", Value: 1, Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			typ, err := quantType(quant)
			if err != nil {
				return err
			}
			if heads <= 0 || emb%heads != 0 {
				return fmt.Errorf("embedding %d not divisible by heads %d", emb, heads)
			}
			headDim := emb / heads
			kvDim := kvHeads * headDim

			rng := rand.New(rand.NewSource(seed))
			values := func(n int) []float32 {
				vals := make([]float32, n)
				for i := range vals {
					vals[i] = rng.Float32()*0.2 - 0.1
				}
				return vals
			}

			b := gguf.NewBuilder()
			b.AddKV("general.architecture", "llama")
			b.AddKV("general.name", "llamux-synthetic")
			b.AddKV("llama.block_count", uint32(layers))
			b.AddKV("llama.embedding_length", uint32(emb))
			b.AddKV("llama.attention.head_count", uint32(heads))
			b.AddKV("llama.attention.head_count_kv", uint32(kvHeads))
			b.AddKV("llama.context_length", uint32(ctxLen))
			b.AddKV("llama.feed_forward_length", uint32(ffn))
			b.AddKV("llama.rope.dimension_count", uint32(headDim))
			b.AddKV("llama.attention.layer_norm_rms_epsilon", float32(1e-5))

			add := func(name string, dims []uint64, t gguf.TensorType) error {
				n := 1
				for _, d := range dims {
					n *= int(d)
				}
				return b.AddTensorF32(name, dims, t, values(n))
			}

			// Norm vectors stay dense; block types need whole blocks.
			if err := add("token_embd.weight", []uint64{uint64(emb), uint64(vocab)}, typ); err != nil {
				return err
			}
			if err := add("output_norm.weight", []uint64{uint64(emb)}, gguf.TypeF32); err != nil {
				return err
			}
			if err := add("output.weight", []uint64{uint64(emb), uint64(vocab)}, typ); err != nil {
				return err
			}
			for l := 0; l < layers; l++ {
				prefix := fmt.Sprintf("blk.%d.", l)
				specs := []struct {
					name string
					dims []uint64
					typ  gguf.TensorType
				}{
					{"attn_norm.weight", []uint64{uint64(emb)}, gguf.TypeF32},
					{"attn_q.weight", []uint64{uint64(emb), uint64(emb)}, typ},
					{"attn_k.weight", []uint64{uint64(emb), uint64(kvDim)}, typ},
					{"attn_v.weight", []uint64{uint64(emb), uint64(kvDim)}, typ},
					{"attn_output.weight", []uint64{uint64(emb), uint64(emb)}, typ},
					{"ffn_norm.weight", []uint64{uint64(emb)}, gguf.TypeF32},
					{"ffn_gate.weight", []uint64{uint64(emb), uint64(ffn)}, typ},
					{"ffn_up.weight", []uint64{uint64(emb), uint64(ffn)}, typ},
					{"ffn_down.weight", []uint64{uint64(ffn), uint64(emb)}, typ},
				}
				for _, s := range specs {
					if err := add(prefix+s.name, s.dims, s.typ); err != nil {
						return fmt.Errorf("%s%s: %w", prefix, s.name, err)
					}
				}
			}

			buf, err := b.Bytes()
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, buf, 0o644); err != nil {
				return err
			}
			logger.Log.Info("wrote synthetic container",
				"path", outPath, "bytes", len(buf), "quant", typ.String(), "layers", layers)
			return nil
		},
	}
}

func quantType(name string) (gguf.TensorType, error) {
	switch name {
	case "f32":
		return gguf.TypeF32, nil
	case "f16":
		return gguf.TypeF16, nil
	case "q8_0":
		return gguf.TypeQ8_0, nil
	case "q4_k":
		return gguf.TypeQ4_K, nil
	case "q6_k":
		return gguf.TypeQ6_K, nil
	default:
		return 0, fmt.Errorf("unknown quantization %q", name)
	}
}
