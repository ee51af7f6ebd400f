// Package main provides the development table authority. It serves the
// session protocol over WebSocket and gRPC and optionally plays a scripted
// scenario against connected overlays.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/tablesync/internal/authority"
	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/observability"
	"github.com/cory-johannsen/tablesync/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	scenarioPath := flag.String("scenario", "", "scenario YAML to play (overrides devserver.scenario)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *scenarioPath != "" {
		cfg.DevServer.Scenario = *scenarioPath
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	dev := cfg.DevServer
	logger.Info("starting table authority",
		zap.String("http_addr", dev.HTTPAddr),
		zap.String("grpc_addr", dev.GRPCAddr),
		zap.Bool("token_required", dev.Token != ""),
	)

	var scenario *authority.Scenario
	if dev.Scenario != "" {
		scenario, err = authority.LoadScenario(dev.Scenario)
		if err != nil {
			logger.Fatal("loading scenario", zap.String("path", dev.Scenario), zap.Error(err))
		}
		logger.Info("scenario loaded",
			zap.String("scenario", scenario.Name),
			zap.Int("players", len(scenario.Players)),
			zap.Int("steps", len(scenario.Steps)),
		)
	}

	table := authority.NewTable(dev.JournalSize, dev.ActionLimit)
	hub := authority.NewHub(table, authority.Options{
		Token:        dev.Token,
		OutboxSize:   dev.OutboxSize,
		WriteTimeout: dev.WriteTimeout,
	}, logger.Named("hub"))

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	if dev.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/session", hub)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		httpServer := &http.Server{Addr: dev.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		lifecycle.Add("websocket", &server.FuncService{
			StartFn: func() error {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			StopFn: func() {
				hub.Kick()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(ctx)
			},
		})
	}

	if dev.GRPCAddr != "" {
		lis, err := net.Listen("tcp", dev.GRPCAddr)
		if err != nil {
			logger.Fatal("listening for gRPC", zap.String("addr", dev.GRPCAddr), zap.Error(err))
		}
		grpcServer := grpc.NewServer()
		authority.RegisterTableServer(grpcServer, hub)
		lifecycle.Add("grpc", &server.FuncService{
			StartFn: func() error { return grpcServer.Serve(lis) },
			StopFn: func() {
				hub.Kick()
				grpcServer.GracefulStop()
			},
		})
	}

	if scenario != nil {
		lifecycle.Add("scenario", server.NewContextService(func(ctx context.Context) error {
			if err := scenario.Play(ctx, hub, logger.Named("scenario")); err != nil {
				return err
			}
			logger.Info("scenario finished", zap.Int64("last_update", table.Seq()))
			<-ctx.Done()
			return ctx.Err()
		}))
	}

	logger.Info("server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
