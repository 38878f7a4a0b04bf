// Package main is the entry point for the graph orchestration service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/graphd/internal/api"
	"github.com/flexinfer/mentatlab/services/graphd/internal/archive"
	"github.com/flexinfer/mentatlab/services/graphd/internal/catalog"
	"github.com/flexinfer/mentatlab/services/graphd/internal/config"
	"github.com/flexinfer/mentatlab/services/graphd/internal/dispatcher"
	"github.com/flexinfer/mentatlab/services/graphd/internal/health"
	"github.com/flexinfer/mentatlab/services/graphd/internal/k8s"
	"github.com/flexinfer/mentatlab/services/graphd/internal/metadata"
	"github.com/flexinfer/mentatlab/services/graphd/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/graphd/internal/runstore"
	"github.com/flexinfer/mentatlab/services/graphd/internal/tracing"
	"github.com/flexinfer/mentatlab/services/graphd/internal/validator"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting graphd",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
		slog.String("catalog_source", cfg.CatalogSource),
		slog.String("exec_backend", cfg.ExecBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "mentatlab-graphd",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing, continuing without it", "error", err)
		tp, _ = tracing.Init(ctx, &tracing.Config{}, logger)
	}

	// Redis is shared by the catalog source, run store and health publisher.
	rc := &redisClient{cfg: &runstore.RedisConfig{
		URL:         cfg.RedisURL,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Prefix:      "orchestrations",
		TTL:         cfg.RunStoreTTL,
		EventMaxLen: cfg.EventMaxLen,
	}}
	defer rc.close()

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	cat, err := loadCatalog(ctx, cfg, v, rc)
	if err != nil {
		logger.Error("failed to load graph catalog", "error", err)
		os.Exit(1)
	}
	logger.Info("catalog loaded", slog.Int("graphs", cat.Len()))

	// Health tracking
	trackerOpts := []health.Option{
		health.WithLogger(logger),
		health.WithProbeTimeout(cfg.HealthProbeTimeout),
		health.WithProbeConcurrency(cfg.HealthProbeConcurrency),
		health.WithPublisher(health.MetricsPublisher{}),
	}
	if cfg.HealthPublish {
		client, err := rc.get()
		if err != nil {
			logger.Error("health publishing disabled", "error", err)
		} else {
			trackerOpts = append(trackerOpts, health.WithPublisher(health.NewRedisPublisher(client, cfg.HealthChannel)))
		}
	}
	tracker := health.NewTracker(cat, newProbe(cfg), trackerOpts...)
	tracker.Start(ctx, cfg.HealthInterval)

	// Execution
	backend, err := newBackend(cfg, logger)
	if err != nil {
		logger.Error("failed to create execution backend", "error", err)
		os.Exit(1)
	}
	disp := dispatcher.New(cat, backend, tracker,
		dispatcher.WithLogger(logger),
		dispatcher.WithValidator(v),
		dispatcher.WithTimeout(cfg.ExecTimeout),
	)

	store := newRunStore(cfg, rc, logger)
	defer store.Close()

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithRunStore(store),
	}
	var fetcher api.ResultFetcher
	if cfg.ArchiveEnabled {
		s3b, err := archive.NewS3Backend(ctx, &archive.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			logger.Error("result archive disabled", "error", err)
		} else {
			svc := archive.New(s3b, cfg.S3Prefix)
			orchOpts = append(orchOpts, orchestrator.WithArchiver(svc))
			fetcher = svc
			logger.Info("archiving results", slog.String("bucket", cfg.S3Bucket))
		}
	}
	orch := orchestrator.New(cat, disp, orchOpts...)

	// Initialize API handlers
	handlers := api.NewHandlers(api.Deps{
		Catalog:      cat,
		Health:       tracker,
		Executor:     disp,
		Orchestrator: orch,
		Metadata:     metadata.New(cat),
		Store:        store,
		Archive:      fetcher,
	}, cfg, logger)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}
	if err := tracker.Shutdown(shutdownCtx); err != nil {
		logger.Error("health tracker shutdown error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// redisClient creates the shared client on first use.
type redisClient struct {
	cfg    *runstore.RedisConfig
	client *redis.Client
}

func (r *redisClient) get() (*redis.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	client, err := runstore.NewRedisClient(r.cfg)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

func (r *redisClient) close() {
	if r.client != nil {
		r.client.Close()
	}
}

func loadCatalog(ctx context.Context, cfg *config.Config, v *validator.Validator, rc *redisClient) (*catalog.Catalog, error) {
	var src catalog.Source
	switch cfg.CatalogSource {
	case "file":
		src = catalog.NewFileSource(cfg.CatalogFile, v)
	case "redis":
		client, err := rc.get()
		if err != nil {
			return nil, err
		}
		src = catalog.NewRedisSource(client, cfg.CatalogKey)
	case "static", "":
		src = catalog.NewStaticSource(catalog.DefaultGraphs()...)
	default:
		return nil, fmt.Errorf("unknown catalog source %q", cfg.CatalogSource)
	}
	return catalog.Load(ctx, src)
}

func newProbe(cfg *config.Config) health.Probe {
	if cfg.HealthProbe == "http" && cfg.HealthProbeURL != "" {
		return health.NewHTTPProbe(cfg.HealthProbeURL)
	}
	return health.NewToolProbe(cfg.HealthTools)
}

func newBackend(cfg *config.Config, logger *slog.Logger) (dispatcher.Backend, error) {
	switch cfg.ExecBackend {
	case "subprocess":
		return dispatcher.NewSubprocessBackend(dispatcher.SubprocessConfig{
			Command: strings.Fields(cfg.ExecCommand),
			Logger:  logger,
		})
	case "k8s":
		client, err := k8s.NewClient(&k8s.Config{
			InCluster:  cfg.K8sInCluster,
			Kubeconfig: cfg.K8sKubeconfig,
			Namespace:  cfg.K8sNamespace,
		})
		if err != nil {
			return nil, err
		}
		jobCfg := k8s.DefaultJobConfig()
		jobCfg.Image = cfg.K8sImage
		return dispatcher.NewK8sBackend(client, k8s.NewJobBuilder(jobCfg, client.Namespace()), logger), nil
	case "http", "":
		return dispatcher.NewHTTPBackend(cfg.ExecBackendURL), nil
	default:
		return nil, fmt.Errorf("unknown execution backend %q", cfg.ExecBackend)
	}
}

func newRunStore(cfg *config.Config, rc *redisClient, logger *slog.Logger) runstore.RunStore {
	memory := func() runstore.RunStore {
		return runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
		})
	}
	switch cfg.RunStoreType {
	case "redis":
		client, err := rc.get()
		if err == nil {
			var store *runstore.RedisStore
			store, err = runstore.NewRedisStore(client, rc.cfg, logger)
			if err == nil {
				logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
				return store
			}
		}
		logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
	case "sqlite":
		store, err := runstore.OpenSQLite(cfg.SQLitePath, &runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
		})
		if err == nil {
			logger.Info("using SQLite runstore", slog.String("path", cfg.SQLitePath))
			return store
		}
		logger.Error("failed to open SQLite, falling back to memory store", "error", err)
	default:
		logger.Info("using in-memory runstore")
	}
	return memory()
}
