package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"clipcast/internal/config"
	"clipcast/internal/db"
	"clipcast/internal/history"
	httpapi "clipcast/internal/http"
	"clipcast/internal/models"
	"clipcast/internal/moderation"
	"clipcast/internal/relay"
	"clipcast/internal/wallet"
	"clipcast/pkg/logger"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	log.Info("Starting clipcast relay",
		"port", cfg.Server.Port,
		"channel_scoped", cfg.Relay.ChannelScoped,
		"environment", os.Getenv("ENV"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("Running database migrations...")
	if err := models.Migrate(ctx, pool); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	log.Info("Connecting to Redis...")
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}

	// Relay collaborators.
	gifts := relay.DefaultCatalog()
	if cfg.Relay.GiftsPath != "" {
		gifts, err = relay.LoadCatalog(cfg.Relay.GiftsPath)
		if err != nil {
			log.Fatal("Failed to load gift catalog", "error", err)
		}
	}
	rly, err := relay.New(relay.Options{
		Config:     cfg.Relay,
		Logger:     log,
		Wallet:     wallet.New(pool, log),
		Gifts:      gifts,
		History:    history.New(rdb, pool, log, cfg.Relay.HistoryLimit),
		Moderation: moderation.New(rdb, log),
	})
	if err != nil {
		log.Fatal("Failed to build relay", "error", err)
	}
	go rly.Run()

	server := httpapi.NewServer(pool, rdb, cfg, log, rly, gifts)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("API server listening",
			"address", httpServer.Addr,
			"read_timeout", cfg.Server.ReadTimeout,
			"write_timeout", cfg.Server.WriteTimeout)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("Server error", "error", err)

	case sig := <-interrupt:
		log.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		log.Info("Shutting down server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Graceful shutdown failed", "error", err)
			if closeErr := httpServer.Close(); closeErr != nil {
				log.Error("Force close failed", "error", closeErr)
			}
		}

		// Stop the relay loop after the HTTP surface so no new connections
		// arrive during teardown.
		log.Info("Stopping relay...")
		rly.Close()

		log.Info("Closing database connections...")
		pool.Close()

		log.Info("Closing Redis connections...")
		if err := rdb.Close(); err != nil {
			log.Error("Failed to close Redis connection", "error", err)
		}

		log.Info("Server stopped gracefully")
	}
}
