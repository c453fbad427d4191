// Package main provides the map relay server.
// It accepts WebSocket clients, groups them into rooms by map name and relays
// game state between the members of each room.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/admin"
	"github.com/cory-johannsen/maprelay/internal/config"
	"github.com/cory-johannsen/maprelay/internal/hibernation"
	"github.com/cory-johannsen/maprelay/internal/observability"
	"github.com/cory-johannsen/maprelay/internal/relay"
	"github.com/cory-johannsen/maprelay/internal/server"
	"github.com/cory-johannsen/maprelay/internal/transport/websocket"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file; empty uses defaults and MAPRELAY_* environment variables")
	flag.Parse()

	var (
		cfg config.Config
		err error
	)
	if *configPath == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting map relay",
		zap.String("websocket_addr", cfg.WebSocket.Addr()),
		zap.String("websocket_path", cfg.WebSocket.Path),
		zap.String("admin_addr", cfg.Admin.Addr()),
	)

	table := hibernation.NewTable()
	host := relay.NewHost(table, cfg.Relay, logger)
	health := admin.NewHealthServer(cfg.Admin, cfg.Server.Name, logger)
	acceptor := websocket.NewAcceptor(cfg.WebSocket, cfg.Relay.DefaultRoom, host, logger)
	acceptor.Handle("/rooms", admin.RoomsHandler(host, logger))

	sweepCtx, stopSweep := context.WithCancel(context.Background())

	// Stopped in reverse order: streams close first so their departures still reach the host.
	lifecycle := server.NewLifecycle(logger)
	lifecycle.ReportTo(health)
	lifecycle.Add("relay-host", &server.FuncService{
		StartFn: func() error { return host.Run(sweepCtx) },
		StopFn: func() {
			stopSweep()
			host.Stop()
		},
	})
	lifecycle.Add("admin-grpc", &server.FuncService{
		StartFn: health.ListenAndServe,
		StopFn:  health.Stop,
	})
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	logger.Info("map relay initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("map relay failed", zap.Error(err))
	}
}
