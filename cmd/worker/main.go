package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/discovery"
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/provisioner"
	"github.com/iac-studio/portal/internal/provisioner/terraform"
	"github.com/iac-studio/portal/internal/queue/tasks"
	"github.com/iac-studio/portal/internal/repository"
	"github.com/iac-studio/portal/pkg/config"
	"github.com/iac-studio/portal/pkg/database"
	"github.com/iac-studio/portal/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, database.Options{AppEnv: cfg.AppEnv})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	store, err := newStateStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to configure state backend", zap.Error(err), zap.String("backend", cfg.StateBackend))
	}

	if cfg.WorkingDir != "" {
		if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
			log.Fatal("failed to create working dir", zap.Error(err))
		}
	}

	queueOpts := engine.QueueOptions{Retention: cfg.LogRetention}
	handler := tasks.NewProvisionTaskHandler(tasks.ProvisionDeps{
		Reporters: func(id string) tasks.RunReporter {
			return engine.NewReporter(rdb, id, queueOpts)
		},
		Accounts:    repository.NewCloudAccountRepository(db),
		Catalog:     catalog.NewFileCatalog(cfg.TemplatesDir),
		Provisioner: provisioner.NewTerraformProvisioner(cfg.WorkingDir, ""),
		States:      terraform.NewArchive(store, repository.NewStateRepository(db)),
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Logger:      log.Sugar(),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(engine.TypeProvision, handler.HandleProvision)

	errCh := make(chan error, 1)
	go func() {
		log.Info("asynq worker starting",
			zap.Int("concurrency", cfg.AsynqConcurrency),
			zap.String("state_backend", store.Type()))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	// waits for in-flight runs up to asynq's shutdown timeout
	srv.Shutdown()
}

func newStateStore(ctx context.Context, cfg *config.Config) (terraform.StateStore, error) {
	switch cfg.StateBackend {
	case terraform.BackendAzureRM:
		cred, err := discovery.AzureCredential(cfg.AzureTenantID, cfg.AzureClientID, cfg.AzureClientSecret)
		if err != nil {
			return nil, err
		}
		return terraform.NewAzureStateStore(terraform.AzureStateConfig{
			StorageAccount: cfg.StateAzureAccount,
			Container:      cfg.StateAzureContainer,
			Prefix:         "portal",
			Credential:     cred,
		})
	case terraform.BackendGCS:
		return terraform.NewGCSStateStore(ctx, terraform.GCSStateConfig{
			Bucket:          cfg.StateGCSBucket,
			Prefix:          "portal",
			CredentialsFile: cfg.GCPCredentialsFile,
		})
	default:
		return terraform.NewDatabaseStateStore(), nil
	}
}
