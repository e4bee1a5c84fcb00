// main package for the avatar-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/avatar-service/internal/cache"
	"github.com/book-expert/avatar-service/internal/cleanup"
	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/engine"
	"github.com/book-expert/avatar-service/internal/health"
	"github.com/book-expert/avatar-service/internal/jobstore"
	"github.com/book-expert/avatar-service/internal/objectstore"
	"github.com/book-expert/avatar-service/internal/ratelimit"
	"github.com/book-expert/avatar-service/internal/service"
	"github.com/book-expert/avatar-service/internal/workerpool"
)

const shutdownTimeout = 30 * time.Second

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "avatar-service-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	return log, nil
}

func buildEngine(
	cfg *config.Config,
	artifacts core.ObjectStore,
	log *logger.Logger,
) (core.Engine, error) {
	switch cfg.Engine.Mode {
	case "", "chatllm":
		eng, err := engine.NewChatLLM(engine.ChatLLMConfig{
			BinaryPath:    cfg.Engine.BinaryPath,
			ModelPath:     cfg.Engine.ModelPath,
			SnacModelPath: cfg.Engine.SnacModelPath,
			TempDir:       cfg.Paths.TempDir,
			Seed:          cfg.Engine.Seed,
			NGL:           cfg.Engine.NGL,
			TopP:          cfg.Engine.TopP,
			Temperature:   cfg.Engine.Temperature,
		}, artifacts, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create chatllm engine: %w", err)
		}

		return eng, nil
	case "http":
		timeout := time.Duration(cfg.Engine.TimeoutSeconds) * time.Second

		return engine.NewHTTP(cfg.Engine.BaseURL, timeout, artifacts, log), nil
	default:
		return nil, fmt.Errorf("unknown engine mode '%s'", cfg.Engine.Mode)
	}
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	return runService(cfg, finalLog)
}

func runService(cfg *config.Config, log *logger.Logger) error {
	// NATS backs the artifact store and the cache's durable layer.
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	artifacts, err := objectstore.New(jetstreamContext, cfg.NATS.ArtifactObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to create artifact object store: %w", err)
	}

	cacheBlobs, err := objectstore.New(jetstreamContext, cfg.NATS.CacheObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to create cache object store: %w", err)
	}

	store, err := jobstore.Open(cfg.Jobs.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}

	defer func() {
		closeErr := store.Close()
		if closeErr != nil {
			log.Error("Failed to close job store: %v", closeErr)
		}
	}()

	eng, err := buildEngine(cfg, artifacts, log)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerMinute: float64(cfg.RateLimit.RequestsPerMinute),
		Burst:     cfg.RateLimit.Burst,
		Enabled:   cfg.RateLimit.Enabled,
	})

	responseCache := cache.New(cache.Config{Blobs: cacheBlobs}, log)
	recorder := health.NewRecorder(service.Components()...)

	discard := func(ctx context.Context, ref string) {
		deleteErr := artifacts.Delete(ctx, ref)
		if deleteErr != nil {
			log.Warn("Failed to discard artifact '%s': %v", ref, deleteErr)
		}
	}

	pool := workerpool.New(workerpool.Config{
		Workers:    cfg.Jobs.Workers,
		QueueSize:  cfg.Jobs.QueueSize,
		JobTimeout: time.Duration(cfg.Jobs.JobTimeoutSeconds) * time.Second,
	}, store, eng, discard, log)

	scheduler := cleanup.New(cleanup.Config{
		Interval:       time.Duration(cfg.Cleanup.IntervalMinutes) * time.Minute,
		JobRetention:   time.Duration(cfg.Cleanup.JobRetentionHours) * time.Hour,
		TempFileMaxAge: time.Duration(cfg.Cleanup.TempFileMaxAgeHours) * time.Hour,
		BucketIdleAge:  time.Duration(cfg.Cleanup.BucketIdleAgeHours) * time.Hour,
		TempDir:        cfg.Paths.TempDir,
	}, store, limiter, log)

	svc := service.New(service.Config{
		Store:          store,
		Pool:           pool,
		Limiter:        limiter,
		Cache:          responseCache,
		Health:         recorder,
		Artifacts:      artifacts,
		Scheduler:      scheduler,
		Log:            log,
		VoicesCacheTTL: time.Duration(cfg.Cache.VoicesTTLSeconds) * time.Second,
	})

	pool.Start()
	scheduler.Start()

	log.Info("Supported voices: %v", svc.Voices(context.Background()))
	log.System("Avatar-Service successfully initialized. Accepting generation jobs.")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	log.System("Shutdown signal received, draining.")

	pool.Stop(shutdownTimeout)
	scheduler.Stop()

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
