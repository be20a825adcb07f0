package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/config"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
)

func main() {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	app := &cli.Command{
		Name:  "llamux",
		Usage: "Quantized transformer inference over GGUF containers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to YAML runtime settings",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "debug, info, warn or error (overrides config)",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "console or json (overrides config)",
				Destination: &logFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(&configPath, &logLevel, &logFormat),
			inspectCmd(),
			genCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadRuntime resolves the settings file and applies flag overrides, then
// points the global logger at the chosen sink.
func loadRuntime(configPath, logLevel, logFormat string) (config.Runtime, error) {
	rt, err := config.LoadRuntime(configPath)
	if err != nil {
		return rt, err
	}
	if logLevel != "" {
		rt.LogLevel = logLevel
	}
	if logFormat != "" {
		rt.LogFormat = logFormat
	}
	logger.Setup(rt.LogLevel, rt.LogFormat)
	return rt, nil
}
