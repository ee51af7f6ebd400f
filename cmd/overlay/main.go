// Package main is the console overlay: it keeps a session with the table
// authority and lets the player act from a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/overlay"
	"github.com/cory-johannsen/tablesync/internal/resilience"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	player := flag.String("player", "", "player ID to act for (overrides overlay.player_id)")
	transport := flag.String("transport", "", "websocket or grpc (overrides transport.kind)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *player != "" {
		cfg.Overlay.PlayerID = *player
	}
	if *transport != "" {
		cfg.Transport.Kind = *transport
		if err := cfg.Validate(); err != nil {
			log.Fatalf("validating config: %v", err)
		}
	}

	app, cleanup, err := initializeApp(cfg, overlay.Terminal{In: os.Stdin, Out: os.Stdout})
	if err != nil {
		log.Fatalf("initializing overlay: %v", err)
	}
	defer cleanup()

	logger := app.Logger()
	app.Session.Manager.On(resilience.EventAuthRequired, func(resilience.Event) {
		fmt.Fprintln(os.Stderr, "the authority refused the token: type token <value> to reauthenticate")
	})

	logger.Info("overlay ready",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("player", cfg.Overlay.PlayerID),
		zap.Duration("startup", time.Since(start)),
	)

	if err := app.Run(context.Background()); err != nil {
		logger.Error("overlay stopped", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
}
