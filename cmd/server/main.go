package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/xiaoshenming/bilibili-server/internal/api"
	"github.com/xiaoshenming/bilibili-server/internal/auth"
	"github.com/xiaoshenming/bilibili-server/internal/config"
	"github.com/xiaoshenming/bilibili-server/internal/delivery"
	"github.com/xiaoshenming/bilibili-server/internal/fetcher"
	"github.com/xiaoshenming/bilibili-server/internal/health"
	"github.com/xiaoshenming/bilibili-server/internal/logger"
	"github.com/xiaoshenming/bilibili-server/internal/merge"
	"github.com/xiaoshenming/bilibili-server/internal/observability"
	"github.com/xiaoshenming/bilibili-server/internal/pipeline"
	"github.com/xiaoshenming/bilibili-server/internal/quota"
	"github.com/xiaoshenming/bilibili-server/internal/resolver"
	"github.com/xiaoshenming/bilibili-server/internal/storage"
	"github.com/xiaoshenming/bilibili-server/internal/store"
	"github.com/xiaoshenming/bilibili-server/internal/token"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
)

func main() {
	log := logger.New()
	slog.SetDefault(log)

	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(),
		"acquisition-server", cfg.Observability.OTLPEndpoint, cfg.Environment)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	// Persistence
	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		log.Error("Failed to open database", "error", err, "path", cfg.Storage.DatabasePath)
		os.Exit(1)
	}
	defer db.Close()

	staging, err := storage.NewStaging(cfg.Storage.StagingDir)
	if err != nil {
		log.Error("Failed to prepare staging directory", "error", err)
		os.Exit(1)
	}
	volume, err := storage.NewVolume(cfg.Storage.VideoDir)
	if err != nil {
		log.Error("Failed to prepare media directory", "error", err)
		os.Exit(1)
	}

	// Quota counter
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	limiter := quota.NewLimiter(quota.NewRedisCounter(redisClient))

	// Pipeline stages
	upstream := resolver.NewClient(cfg.Upstream.BaseURL)
	streams := fetcher.New(cfg.Pipeline.FetchTimeout, log)
	runner := merge.NewFFmpegRunner(cfg.Pipeline.FFmpegPath, log)
	scheduler := merge.NewScheduler(runner, cfg.Pipeline.MaxConcurrent, log)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	scheduler.StartJanitor(janitorCtx)

	pipe := pipeline.New(upstream, streams, scheduler, db, staging, volume,
		cfg.Server.PublicBaseURL, cfg.Pipeline.BatchDelay, log)

	// Auth and delivery
	rateLimiter := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.IdentityIssuer, rateLimiter)
	minter := token.NewMinter(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	deliverySrv := delivery.New(db, volume, log)

	// Health checks
	healthConfig := health.DefaultConfig("acquisition-server", log)
	healthConfig.Dependencies["sqlite"] = db
	healthConfig.Dependencies["redis"] = health.PingFunc(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthChecker := health.NewChecker(healthConfig)

	handlers := api.NewHandlers(&api.HandlersConfig{
		Logger:   log,
		Pipeline: pipe,
		Catalog:  db,
		Limiter:  limiter,
		Minter:   minter,
		Delivery: deliverySrv,
		Jobs:     scheduler,
		BaseURL:  cfg.Server.PublicBaseURL,
	})

	server := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Handlers:      handlers,
		Verifier:      verifier,
		RateLimiter:   rateLimiter,
		HealthChecker: healthChecker,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Error("Failed to close redis client", "error", err)
	}

	log.Info("Server shutdown complete")
}
