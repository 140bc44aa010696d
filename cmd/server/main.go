package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"darkpool/internal/app"
	"darkpool/internal/config"
	"darkpool/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := app.NewLogger(cfg.Production())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.Int("http_port", cfg.Service.HTTPPort),
		zap.Uint64("expected_chain_id", cfg.Chain.ExpectedChainID),
		zap.String("vault", cfg.Contracts.Vault),
		zap.String("token", cfg.Contracts.Token),
		zap.Uint64s("networks", cfg.Chain.NetworkIDs()))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}

	// Stats are best effort at startup; the view model marks them stale and the poller retries.
	if err := deps.Stats.Mount(ctx); err != nil {
		logger.Warn("Initial stats read failed", zap.Error(err))
	}
	go deps.Stats.Run(ctx)

	apiServer := server.NewServer(server.Dependencies{
		Config:       cfg,
		Chain:        deps.Chain,
		Reader:       deps.Reader,
		Orchestrator: deps.Orchestrator,
		Stats:        deps.Stats,
		Journal:      deps.Journal,
		Logger:       logger,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- apiServer.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	stop()
	if err := deps.Close(); err != nil {
		logger.Error("Component shutdown error", zap.Error(err))
	}

	logger.Info("Service stopped")
}
