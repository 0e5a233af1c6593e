package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imageforge/internal/api"
	"imageforge/internal/config"
	"imageforge/internal/db"
	"imageforge/internal/docker"
	"imageforge/internal/queue"
	"imageforge/internal/runtime"
	"imageforge/internal/storage"
	"imageforge/internal/worker"
	"imageforge/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.NewLogger(&logger.Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		AddCaller:  true,
	})

	ctx := context.Background()

	database, err := db.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	buildQueue, err := queue.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer buildQueue.Close()

	s3Client, err := storage.NewS3Client(
		cfg.S3.Bucket,
		cfg.S3.Region,
		cfg.S3.AccessKey,
		cfg.S3.SecretKey,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create S3 client")
	}

	// The engine client serves as local builder and local launcher
	engine, err := docker.NewClient(&cfg.Docker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Docker client")
	}
	defer engine.Close()

	var builder runtime.ImageBuilder = engine
	if cfg.Builder.Mode == "codebuild" {
		logger.Info().
			Str("project", cfg.Builder.CodeBuild.ProjectName).
			Msg("Using CodeBuild for image builds")
		builder, err = docker.NewCodeBuildClient(ctx, cfg.Builder.CodeBuild, s3Client, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create CodeBuild client")
		}
	}

	var launcher runtime.ServiceRuntime = engine
	if cfg.Runtime.Mode == "ecs" {
		logger.Info().
			Str("cluster", cfg.Runtime.ECS.Cluster).
			Msg("Using ECS for service launches")
		launcher, err = docker.NewECSLauncher(ctx, cfg.Runtime.ECS, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create ECS launcher")
		}
	}

	var pusher runtime.RegistryPusher
	if cfg.Registry.PushEnabled {
		var creds *docker.CredentialsStore
		if cfg.Registry.CredentialsArn != "" {
			creds, err = docker.NewCredentialsStore(ctx, cfg.Registry.Region, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to create credentials store")
			}
			if err := creds.VerifyAccess(ctx, cfg.Registry.CredentialsArn); err != nil {
				logger.Fatal().Err(err).Msg("Registry credentials secret is not accessible")
			}
		}
		pusher = docker.NewECRPusher(cfg.Registry, creds, logger)
		logger.Info().Msg("Registry push stage enabled")
	}

	workerPool := worker.NewWorkerPool(&cfg.Worker, database, buildQueue, s3Client, builder, pusher, logger)
	if err := workerPool.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start worker pool")
	}

	server := api.NewServer(cfg, database, buildQueue, builder, launcher, logger, s3Client, workerPool.GetMetrics())

	// Periodically prune dangling images left behind by superseded builds
	if cfg.Builder.Mode == "local" {
		go func() {
			ticker := time.NewTicker(30 * time.Minute)
			defer ticker.Stop()

			for range ticker.C {
				pruneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if err := engine.PruneImages(pruneCtx); err != nil {
					logger.Error().Err(err).Msg("Failed to prune images")
				}
				cancel()
			}
		}()
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := workerPool.Stop(); err != nil {
			logger.Error().Err(err).Msg("Worker pool shutdown error")
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server startup failed")
	}
}
