package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/api"
	"github.com/iac-studio/portal/internal/api/handlers"
	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/discovery"
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/logstream"
	"github.com/iac-studio/portal/internal/metrics"
	"github.com/iac-studio/portal/internal/options"
	"github.com/iac-studio/portal/internal/repository"
	"github.com/iac-studio/portal/internal/request"
	"github.com/iac-studio/portal/internal/services"
	"github.com/iac-studio/portal/internal/tracker"
	"github.com/iac-studio/portal/internal/validation"
	"github.com/iac-studio/portal/pkg/config"
	"github.com/iac-studio/portal/pkg/database"
	"github.com/iac-studio/portal/pkg/logger"

	// Generated by swag init.
	_ "github.com/iac-studio/portal/docs"
)

// @title        Deployment Portal API
// @version      1.0
// @description  Self-service Azure and GCP deployments from terraform templates.

// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const insecureSecret = "change-me-in-production-please"

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("Starting deployment portal API",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, database.Options{AppEnv: cfg.AppEnv})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connected successfully")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: 0}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	eng := engine.NewQueueEngine(client, inspector, rdb, engine.QueueOptions{Retention: cfg.LogRetention})

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = []byte(insecureSecret)
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	resolver := options.NewResolver(options.Config{
		Azure:   azureSource(cfg, log),
		GCP:     gcpSource(ctx, cfg, log),
		TTL:     cfg.OptionCacheTTL,
		Timeout: cfg.DiscoveryTimeout,
		Metrics: collector,
	})

	userRepo := repository.NewUserRepository(db)
	accountRepo := repository.NewCloudAccountRepository(db)
	permRepo := repository.NewPermissionRepository(db)
	deploymentRepo := repository.NewDeploymentRepository(db)
	stateRepo := repository.NewStateRepository(db)

	trk := tracker.New(deploymentRepo, eng, tracker.Config{Interval: cfg.PollInterval, Metrics: collector})
	if _, err := trk.Resume(ctx); err != nil {
		log.Error("failed to resume deployment tracking", zap.Error(err))
	}

	cat := catalog.NewFileCatalog(cfg.TemplatesDir)
	accountSvc := services.NewAccountService(accountRepo, permRepo)
	deploymentSvc := services.NewDeploymentService(services.DeploymentDeps{
		Deployments: deploymentRepo,
		Accounts:    accountRepo,
		States:      stateRepo,
		Authorizer:  accountSvc,
		Catalog:     cat,
		Builder:     request.NewBuilder(validation.New()),
		Engine:      eng,
		Tracker:     trk,
		Metrics:     collector,
	})
	relay := logstream.NewRelay(eng, deploymentRepo, logstream.Config{})

	router := api.NewRouter(api.Dependencies{
		HMACSecret:     jwtSecret,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        collector,
		Registry:       registry,
		HealthHandler: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}),
		AuthHandler:        handlers.NewAuthHandler(services.NewAuthService(userRepo, jwtSecret), collector),
		TemplatesHandler:   handlers.NewTemplatesHandler(cat, resolver),
		OptionsHandler:     handlers.NewOptionsHandler(resolver),
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploymentSvc, relay),
		AccountsHandler:    handlers.NewAccountsHandler(accountSvc, resolver.Invalidate),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
	trk.Stop()
}

// azureSource returns nil when no service-level Azure credentials are set, so
// Azure option lookups answer with empty lists.
func azureSource(cfg *config.Config, log *zap.Logger) options.AzureSource {
	if !cfg.AzureDiscoveryEnabled() {
		log.Info("azure discovery disabled")
		return nil
	}
	az, err := discovery.NewAzure(discovery.AzureConfig{
		SubscriptionID: cfg.AzureSubscriptionID,
		TenantID:       cfg.AzureTenantID,
		ClientID:       cfg.AzureClientID,
		ClientSecret:   cfg.AzureClientSecret,
	})
	if err != nil {
		log.Warn("azure discovery unavailable", zap.Error(err))
		return nil
	}
	return az
}

func gcpSource(ctx context.Context, cfg *config.Config, log *zap.Logger) options.GCPSource {
	if !cfg.GCPDiscoveryEnabled() {
		log.Info("gcp discovery disabled")
		return nil
	}
	g, err := discovery.NewGCP(ctx, discovery.GCPConfig{
		ProjectID:       cfg.GCPProjectID,
		CredentialsFile: cfg.GCPCredentialsFile,
	})
	if err != nil {
		log.Warn("gcp discovery unavailable", zap.Error(err))
		return nil
	}
	return g
}
