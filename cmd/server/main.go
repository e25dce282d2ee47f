package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/config"
	"github.com/vgpu-advisor/deployd/internal/credentials"
	"github.com/vgpu-advisor/deployd/internal/gateway"
	"github.com/vgpu-advisor/deployd/internal/notifications"
	"github.com/vgpu-advisor/deployd/internal/orchestrator"
	"github.com/vgpu-advisor/deployd/pkg/cache"
	"github.com/vgpu-advisor/deployd/pkg/events"
	"github.com/vgpu-advisor/deployd/pkg/logstore"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting deployd")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Deployment log store, optionally encrypted at rest
	var cipher logstore.Cipher
	if cfg.Deploy.LogEncryptKey != "" {
		enc, err := credentials.NewEncryptionService(cfg.Deploy.LogEncryptKey)
		if err != nil {
			logger.Fatal("failed to initialize log encryption", zap.Error(err))
		}
		cipher = enc
		logger.Info("deployment logs will be encrypted at rest")
	}
	store := logstore.NewStore(redisCache, logger, cipher, cfg.Deploy.LogRetention)

	// Notification service pages on terminal deployment outcomes
	notifyCfg, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load notification configuration", zap.Error(err))
	}
	notifier, err := notifications.NewService(notifyCfg, redisCache, logger, eventBus)
	if err != nil {
		logger.Fatal("failed to initialize notification service", zap.Error(err))
	}
	if err := notifier.Start(context.Background()); err != nil {
		logger.Fatal("failed to start notification service", zap.Error(err))
	}

	// Key manager owns the local deployment key pair
	keys := credentials.NewKeyManager(cfg.SSH.KeyPath, logger)

	// Deployer drives one host through one run at a time
	deployer := orchestrator.NewDeployer(orchestrator.Deps{
		Config: cfg,
		Keys:   keys,
		Store:  store,
		Bus:    eventBus,
		Logger: logger,
	})
	logger.Info("initialized deployment orchestrator")

	// Initialize API gateway
	gw := gateway.NewGateway(redisCache, logger, deployer, store, eventBus)
	logger.Info("initialized API gateway")

	// Create HTTP server. WriteTimeout stays at zero so long-running
	// progress streams are not cut off.
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	if err := notifier.Stop(shutdownCtx); err != nil {
		logger.Error("notification service shutdown failed", zap.Error(err))
	}

	logger.Info("server exited")
}
