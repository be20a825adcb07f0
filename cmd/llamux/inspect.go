package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/config"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/gguf"
)

type tensorJSON struct {
	Name   string   `json:"name"`
	Dims   []uint64 `json:"dims"`
	Type   string   `json:"type"`
	Offset uint64   `json:"offset"`
	Bytes  int      `json:"bytes"`
}

type inspectJSON struct {
	Version    uint32                 `json:"version"`
	Alignment  uint64                 `json:"alignment"`
	DataOffset uint64                 `json:"data_offset"`
	Metadata   map[string]interface{} `json:"metadata"`
	Params     *config.Params         `json:"params,omitempty"`
	Tensors    []tensorJSON           `json:"tensors,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		modelPath   string
		showTensors bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print container metadata and derived model geometry",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to GGUF container",
				Destination: &modelPath,
				Required:    true,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "include the tensor descriptor table", Destination: &showTensors},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			buf, err := os.ReadFile(modelPath)
			if err != nil {
				return fmt.Errorf("read model: %w", err)
			}
			f, err := gguf.Parse(buf)
			if err != nil {
				return fmt.Errorf("parse %s: %w", modelPath, err)
			}

			out := inspectJSON{
				Version:    f.Header.Version,
				Alignment:  f.Alignment,
				DataOffset: f.DataOffset,
				Metadata:   f.KV,
			}
			// Geometry is best-effort: a partial container still inspects.
			if p, err := config.FromFile(f); err == nil {
				out.Params = &p
			}
			if showTensors {
				for _, t := range f.Tensors {
					size, err := t.SizeBytes()
					if err != nil {
						return err
					}
					out.Tensors = append(out.Tensors, tensorJSON{
						Name:   t.Name,
						Dims:   t.Dims,
						Type:   t.Type.String(),
						Offset: t.Offset,
						Bytes:  size,
					})
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
