package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/arena"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/engine"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/monitoring"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/ollama"
)

func runCmd(configPath, logLevel, logFormat *string) *cli.Command {
	var (
		modelPath   string
		tokenList   string
		maxTokens   int
		greedy      bool
		temperature float64
		topK        int
		topP        float64
		penalty     float64
		seed        int64
		metricsAddr string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Load a container and generate a token stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to GGUF container",
				Destination: &modelPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "tokens",
				Usage:       "comma-separated prompt token ids",
				Destination: &tokenList,
				Required:    true,
			},
			&cli.IntFlag{Name: "max-tokens", Aliases: []string{"n"}, Usage: "tokens to generate (0 = config value)", Destination: &maxTokens},
			&cli.BoolFlag{Name: "greedy", Usage: "argmax decoding instead of sampling", Destination: &greedy},
			&cli.Float64Flag{Name: "temperature", Usage: "sampling temperature (0 = config value)", Destination: &temperature},
			&cli.IntFlag{Name: "top-k", Usage: "top-k cutoff (0 = config value)", Destination: &topK},
			&cli.Float64Flag{Name: "top-p", Usage: "nucleus cutoff (0 = config value)", Destination: &topP},
			&cli.Float64Flag{Name: "repeat-penalty", Usage: "repetition penalty (0 = config value)", Destination: &penalty},
			&cli.Int64Flag{Name: "seed", Usage: "sampler seed (0 = random)", Destination: &seed},
			&cli.StringFlag{Name: "metrics", Usage: "address to serve Prometheus metrics, e.g. :9090", Destination: &metricsAddr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := loadRuntime(*configPath, *logLevel, *logFormat)
			if err != nil {
				return err
			}
			if seed == 0 {
				seed = rt.Seed
			}

			prompt, err := parseTokens(tokenList)
			if err != nil {
				return err
			}
			if maxTokens <= 0 {
				maxTokens = rt.MaxTokens
			}
			if temperature <= 0 {
				temperature = rt.Temperature
			}
			if topK <= 0 {
				topK = rt.TopK
			}
			if topP <= 0 {
				topP = rt.TopP
			}
			if penalty <= 0 {
				penalty = rt.RepeatPenalty
			}

			var mon *monitoring.Server
			if metricsAddr != "" {
				mon = monitoring.NewServer()
				go func() {
					if err := mon.Start(metricsAddr); err != nil && err != http.ErrServerClosed {
						logger.Log.Error("monitoring server stopped", "error", err)
					}
				}()
				defer mon.Stop(context.Background())
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// A pulled Ollama model name works in place of a file path.
			if resolved, rerr := ollama.ResolveModelPath(modelPath); rerr == nil {
				logger.Log.Info("resolved model name", "name", modelPath, "path", resolved)
				modelPath = resolved
			}

			buf, err := os.ReadFile(modelPath)
			if err != nil {
				return fmt.Errorf("read model: %w", err)
			}
			logger.Log.Info("loading model", "path", modelPath, "bytes", len(buf))

			m, err := engine.Load(buf, arena.New(int(rt.ArenaBytes)), engine.Options{
				WeightCacheBytes: rt.WeightCacheBytes,
				Yield:            func() bool { return ctx.Err() == nil },
			})
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}

			if mon != nil {
				mon.SetModel(monitoring.ModelInfo{
					Path:          modelPath,
					Layers:        m.Params.LayerCount,
					Heads:         m.Params.HeadCount,
					ContextLength: m.Params.ContextLength,
					VocabSize:     m.Params.VocabSize,
				})
			}

			st, err := m.NewState()
			if err != nil {
				return fmt.Errorf("new session: %w", err)
			}

			var sampler engine.Sampler
			if greedy {
				sampler = engine.Greedy{}
			} else {
				sampler = engine.NewNucleus(engine.SamplerConfig{
					Temperature:   temperature,
					TopK:          topK,
					TopP:          topP,
					RepeatPenalty: penalty,
					Seed:          seed,
				})
			}

			out, err := m.Generate(ctx, st, sampler, prompt, maxTokens)
			if err != nil {
				return fmt.Errorf("generate: %w", err)
			}
			if mon != nil {
				mon.RecordInference()
			}

			ids := make([]string, len(out))
			for i, id := range out {
				ids[i] = strconv.Itoa(id)
			}
			fmt.Println(strings.Join(ids, " "))
			return nil
		},
	}
}

func parseTokens(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad token id %q: %w", p, err)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no prompt tokens given")
	}
	return out, nil
}
