// Package main provides relayctl, an operator client for the map relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/config"
	"github.com/cory-johannsen/maprelay/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var debug bool
	logger := zap.NewNop()
	currentLogger := func() *zap.Logger { return logger }
	app := &cli.App{
		Name:  "relayctl",
		Usage: "Inspect and exercise a map relay",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "Log client internals to stderr",
				EnvVars:     []string{"RELAYCTL_DEBUG"},
				Destination: &debug,
			},
		},
		Before: func(c *cli.Context) error {
			if !debug {
				return nil
			}
			l, err := observability.NewLogger(config.LoggingConfig{Level: "debug", Format: "console"}, "relayctl")
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			logger = l
			return nil
		},
		Commands: []*cli.Command{
			joinCmd(currentLogger),
			sendCmd(currentLogger),
			roomsCmd(),
			healthCmd(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}
