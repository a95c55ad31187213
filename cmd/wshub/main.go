// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command wshub runs the WebSocket pub/sub broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/wshub/pkg/broker"
	"github.com/turtacn/wshub/pkg/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

type flags struct {
	ConfigPath string
	LogLevel   string
	Listen     string
	Config     *config.Config
}

func main() {
	if err := setupLogger("info", "console"); err != nil {
		panic(err)
	}

	f := &flags{}
	app := &cli.Command{
		Name:    "wshub",
		Usage:   "topic based publish/subscribe broker over WebSocket",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a YAML or JSON config file",
				Sources:     cli.EnvVars("WSHUB_CONFIG"),
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (trace, debug, info, warn, error)",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "WebSocket listen address, overrides broker.listen_addr",
				Destination: &f.Listen,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.LoadConfig(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if f.LogLevel != "" {
				cfg.Log.Level = f.LogLevel
			}
			if err := setupLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
				return ctx, err
			}
			f.Config = cfg
			return ctx, nil
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("unknown command %q. Run 'wshub --help' for usage", c.Args().First())
			}
			return serve(ctx, f)
		},
		Commands: []*cli.Command{
			{
				Name:      "init-config",
				Usage:     "write the default configuration to a file",
				ArgsUsage: "<path>",
				Action: func(ctx context.Context, c *cli.Command) error {
					path := c.Args().First()
					if path == "" {
						return errors.New("init-config requires a path")
					}
					if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
						return err
					}
					log.Info().Str("path", path).Msg("wrote default configuration")
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("wshub exited")
		os.Exit(1)
	}
}

func serve(ctx context.Context, f *flags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := f.Config
	broker.Version = version
	b := broker.New(cfg, log.Logger)

	ops := &http.Server{
		Addr:              cfg.Broker.MetricsAddr,
		Handler:           b.OpsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Start(ctx, f.Listen)
	})
	g.Go(func() error {
		log.Info().Str("addr", ops.Addr).Msg("metrics and health listening")
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		b.Health().Run(ctx, 15*time.Second)
		return nil
	})

	log.Info().Str("node", cfg.Broker.NodeID).Str("version", version).Msg("wshub started")
	return g.Wait()
}

func setupLogger(level, format string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if format == "json" {
		output = os.Stderr
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger().Level(parsedLevel)
	return nil
}
