package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"podforge/internal/api"
	"podforge/internal/config"
	"podforge/internal/hub"
	"podforge/internal/notify"
	"podforge/internal/queue"
	"podforge/internal/storage"
	"podforge/pkg/cache"
	"podforge/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	resetDB := flag.Bool("reset-db", false, "Reset database by dropping all tables and re-running migrations")
	flag.Parse()

	// Load .env file
	_ = godotenv.Load()

	// Initialize logger
	if err := logger.InitFromEnv(); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting podforge API service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
		return
	}

	if *resetDB {
		if err := storage.ResetMigrations(cfg.Postgres.DSN); err != nil {
			logger.Fatal("Failed to reset database", zap.Error(err))
		}
		logger.Info("Database reset complete")
		return
	}

	// Connect to database
	db, err := storage.NewPostgresStorage(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
		return
	}
	defer db.Close()

	// Initialize S3 storage
	s3Storage, err := storage.NewS3Storage(
		cfg.S3.Endpoint,
		cfg.S3.Region,
		cfg.S3.AccessKey,
		cfg.S3.SecretKey,
		cfg.S3.Bucket,
	)
	if err != nil {
		logger.Fatal("Failed to initialize S3 storage", zap.Error(err))
		return
	}

	// Initialize Redis: task snapshots, quota counters and the
	// notification bridge
	redisCache, err := cache.NewRedisCache(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		time.Hour,
	)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
		return
	}
	defer redisCache.Close()

	// Connect to RabbitMQ
	rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		return
	}
	defer rabbitMQ.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fan events from other processes out to local connections
	connectionHub := hub.NewHub()
	bridge := notify.NewBridge(redisCache.Client())
	go connectionHub.Run(ctx, bridge.Subscribe(ctx))

	server := api.NewServer(cfg, db, s3Storage, rabbitMQ, redisCache, connectionHub)

	go func() {
		if err := server.Run(); err != nil {
			logger.Error("HTTP server stopped with error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down cleanly", zap.Error(err))
	}

	logger.Info("API service shutdown complete")
}
