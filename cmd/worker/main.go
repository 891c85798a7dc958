package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"podforge/internal/config"
	"podforge/internal/notify"
	"podforge/internal/queue"
	"podforge/internal/scriptgen"
	"podforge/internal/speech"
	"podforge/internal/storage"
	"podforge/internal/transcode"
	"podforge/internal/worker"
	"podforge/pkg/cache"
	"podforge/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file
	_ = godotenv.Load()

	// Initialize logger
	if err := logger.InitFromEnv(); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting podforge worker service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
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

	// Initialize Redis for the notification bridge
	redisCache, err := cache.NewRedisCache(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		24*time.Hour,
	)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
		return
	}
	defer redisCache.Close()

	bridge := notify.NewBridge(redisCache.Client())

	// Connect to RabbitMQ
	rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		return
	}
	defer rabbitMQ.Close()

	// Stage collaborators
	scriptClient := scriptgen.NewClient(cfg.ScriptGen.APIKey, cfg.ScriptGen.Model)
	speechClient := speech.NewClient(cfg.Speech.Endpoint, cfg.Speech.APIKey, cfg.Speech.Voice)
	transcoder := transcode.NewTranscoder(
		cfg.Transcode.FFmpegPath,
		cfg.Transcode.FFprobePath,
		cfg.Transcode.SegmentSeconds,
	)

	processor := worker.NewProcessor(
		db,
		s3Storage,
		scriptClient,
		speechClient,
		transcoder,
		rabbitMQ,
		bridge,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stageTimeout := time.Duration(cfg.Worker.StageTimeout) * time.Second

	g, gctx := errgroup.WithContext(ctx)

	for _, kind := range []queue.StageKind{queue.StageScript, queue.StageSpeech, queue.StageStream} {
		handler, err := processor.HandlerFor(kind)
		if err != nil {
			logger.Fatal("Failed to resolve stage handler", zap.Error(err))
			return
		}

		queueName, err := kind.QueueName()
		if err != nil {
			logger.Fatal("Failed to resolve stage queue", zap.Error(err))
			return
		}

		for i := 0; i < cfg.Worker.Concurrency; i++ {
			g.Go(func() error {
				return rabbitMQ.Consume(gctx, queueName, func(body []byte) error {
					stageCtx, cancel := context.WithTimeout(gctx, stageTimeout)
					defer cancel()
					return handler(stageCtx, body)
				})
			})
		}
	}

	logger.Info("Worker consumers started",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Strings("queues", queue.AllQueues()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", zap.Error(err))
	}

	logger.Info("Worker service shutdown complete")
}
