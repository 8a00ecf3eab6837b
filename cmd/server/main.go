package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lcohq/realtime/internal/config"
	"github.com/lcohq/realtime/internal/realtime"
	"github.com/lcohq/realtime/internal/server"
	"github.com/lcohq/realtime/internal/store"
	"github.com/lcohq/realtime/internal/ws"
)

var (
	cfgFile string
	verbose bool
)

func setupLogger(verbose bool, level string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "realtime-server",
		Short: "Real-time delivery worker: WebSocket fan-out over a shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := setupLogger(verbose, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("workerID", cfg.WorkerID),
		zap.String("storeMode", cfg.Store.Mode),
		zap.Int64("bufferMaxSize", cfg.Buffer.MaxSize),
		zap.Duration("bufferTTL", cfg.Buffer.TTL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared coordination store
	var st store.Store
	switch cfg.Store.Mode {
	case config.StoreModeRedis:
		st, err = store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, logger)
		if err != nil {
			return err
		}
	case config.StoreModeMemory:
		logger.Warn("memory store selected: single-process mode, no cross-worker coordination")
		st = store.NewMemoryStore()
	default:
		return fmt.Errorf("unknown store mode: %s", cfg.Store.Mode)
	}
	defer func() { _ = st.Close() }()

	// Delivery subsystem
	buffer := realtime.NewReplayBuffer(st, cfg.Buffer.MaxSize, cfg.Buffer.TTL, logger)
	registry := realtime.NewRegistry(st, buffer, cfg.WorkerID, cfg.Listener.RetryBackoff, logger)
	sequencer := realtime.NewSequencer(st)
	pipeline := realtime.NewPipeline(st, sequencer, buffer, logger)
	acks := realtime.NewAckTracker(st, buffer, registry, cfg.Ack.MarkerTTL, cfg.Ack.LockTTL, logger)

	worker := realtime.NewWorker(st, registry, cfg.WorkerID, realtime.WorkerOptions{
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTTL:      cfg.Heartbeat.TTL,
		ReconcileInterval: cfg.Reconcile.Interval,
		RetryBackoff:      cfg.Listener.RetryBackoff,
	}, logger)
	worker.Start(ctx)

	// HTTP shell
	wsHandler := ws.NewHandler(registry, acks, logger)
	srv := server.NewServer(pipeline, worker, st, cfg, logger)
	router := server.NewRouter(srv, wsHandler, logger)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// Stop background tasks, then close sockets: listeners finish before
	// their subscriptions are released.
	worker.Stop()
	registry.Shutdown(shutdownCtx)

	logger.Info("server stopped")
	return nil
}
