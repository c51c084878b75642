package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	config "orca/configs"
	"orca/pkg/admission"
	"orca/pkg/api"
	"orca/pkg/api/middleware"
	"orca/pkg/executor"
	"orca/pkg/executor/connector"
	"orca/pkg/healthcheck"
	"orca/pkg/intake"
	"orca/pkg/logger"
	"orca/pkg/models"
	"orca/pkg/observability"
	"orca/pkg/resilience"
	"orca/pkg/storage"
	"orca/pkg/storage/memory"
	"orca/pkg/storage/postgres"
	"orca/pkg/storage/redis"
)

// backend is what a storage backend provides to the engine.
type backend interface {
	storage.ResultSink
	storage.SystemRegistry
	storage.HistoryStore
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orca: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Encoding:   cfg.Log.Encoding,
		OutputPath: cfg.Log.Output,
		Service:    "orca",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "orca: init logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("orca stopped with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Info("starting up",
		zap.Int("max_concurrent_jobs", cfg.Engine.MaxConcurrentJobs),
		zap.Duration("job_timeout", cfg.Engine.JobTimeout()),
		zap.Duration("connection_timeout", cfg.Engine.ConnectionTimeout()),
		zap.String("storage", cfg.Storage.Backend),
	)

	tracing := observability.DefaultConfig("orca")
	tracing.Enabled = cfg.Tracing.Enabled
	tracing.Endpoint = cfg.Tracing.Endpoint
	tracing.SamplingRate = cfg.Tracing.SamplingRate
	tracing.Environment = cfg.Tracing.Environment
	tp, err := observability.Init(ctx, tracing)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(log, "tracing", tp.Shutdown)

	var creds storage.CredentialSource
	if cfg.Storage.CredentialsFile != "" {
		static, err := storage.LoadCredentialsFile(cfg.Storage.CredentialsFile)
		if err != nil {
			return err
		}
		creds = static
	}

	deps := make(map[string]api.Pinger)
	store, closeStore, err := openBackend(ctx, cfg, creds, deps, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sinks := storage.MultiSink{store}
	if cfg.Redis.Enabled {
		rcfg := redis.DefaultEventSinkConfig(cfg.Redis.Addr)
		rcfg.Password = cfg.Redis.Password
		rcfg.DB = cfg.Redis.DB
		events, err := redis.NewEventSink(rcfg)
		if err != nil {
			return err
		}
		defer events.Close()
		sinks = append(sinks, events)
		deps["redis"] = events.Ping
		log.Info("redis event stream connected", zap.String("addr", cfg.Redis.Addr))
	}

	logs, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	gate, err := admission.New(cfg.Engine.MaxConcurrentJobs)
	if err != nil {
		return err
	}

	connOpts := connector.Options{
		ConnectTimeout: cfg.Engine.ConnectionTimeout(),
		CommandTimeout: cfg.Engine.JobTimeout(),
		OutputLimit:    cfg.Engine.OutputLimitBytes,
		InsecureTLS:    cfg.Engine.InsecureTLS,
		Logger:         logger.Named("connector"),
	}
	connectors := connector.NewDefaultSet(connOpts)
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.FailureThreshold = cfg.Engine.BreakerFailures
	breakerCfg.Timeout = cfg.Engine.BreakerCooldown()
	breakers := resilience.NewBreakers(breakerCfg, logger.Named("breaker"))

	engine, err := executor.New(executor.Options{
		Gate:              gate,
		Connectors:        connectors.Wrap(resilience.Guard(breakers)),
		Registry:          store,
		Sink:              storage.NewRetryingSink(sinks, storage.DefaultRetryConfig(), logger.Named("sink")),
		History:           store,
		Logs:              logs,
		JobTimeout:        cfg.Engine.JobTimeout(),
		ConnectionTimeout: cfg.Engine.ConnectionTimeout(),
		AdmissionTimeout:  cfg.Engine.AdmissionTimeout(),
		SinkTimeout:       cfg.Engine.SinkTimeout(),
		RetainFinished:    cfg.Engine.RetainFinished(),
		Logger:            logger.Named("engine"),
		Tracer:            tp.Tracer(),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HealthCheck.Enabled {
		checker, err := healthcheck.New(healthcheck.Config{
			Schedule:     cfg.HealthCheck.Schedule,
			Concurrency:  cfg.HealthCheck.Concurrency,
			ProbeTimeout: 2 * cfg.Engine.ConnectionTimeout(),
		}, store, connectors, logger.Named("healthcheck"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		consumer := intake.NewConsumer(intake.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, engine, logger.Named("intake"))
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
		log.Info("kafka intake started", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	if cfg.API.Enabled {
		server := api.NewServer(api.Config{
			Addr:         cfg.API.Addr,
			Engine:       engine,
			History:      store,
			Dependencies: deps,
			Breakers:     breakers,
			MaxBodyBytes: cfg.API.MaxBodyBytes,
			SubmitLimit: middleware.RateLimiterConfig{
				RequestsPerMinute: cfg.API.SubmitsPerMinute,
				BurstSize:         cfg.API.SubmitBurst,
			},
			Logger: logger.Named("api"),
			Tracer: tp.Tracer(),
		})
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownWithTimeout(log, "api server", server.Shutdown)
			return nil
		})
	}

	<-gctx.Done()
	log.Info("shutting down", zap.NamedError("cause", context.Cause(gctx)))
	shutdownWithTimeout(log, "engine", engine.Close)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, creds storage.CredentialSource, deps map[string]api.Pinger, log *zap.Logger) (backend, func(), error) {
	var systems []models.System
	if cfg.Storage.InventoryFile != "" {
		var err error
		if systems, err = storage.LoadInventoryFile(cfg.Storage.InventoryFile); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.Storage.Backend {
	case "postgres":
		store, err := postgres.NewPostgresStore(postgres.DefaultConfig(cfg.Storage.DSN()), creds)
		if err != nil {
			return nil, nil, err
		}
		for i := range systems {
			if err := store.UpsertSystem(ctx, &systems[i]); err != nil {
				_ = store.Close()
				return nil, nil, err
			}
		}
		deps["postgres"] = store.Ping
		log.Info("postgres connected", zap.String("host", cfg.Storage.DBHost), zap.Int("systems_loaded", len(systems)))
		return store, func() { _ = store.Close() }, nil
	default:
		store := memory.New(creds)
		for _, sys := range systems {
			store.PutSystem(sys)
		}
		log.Warn("using in-memory storage, results are lost on restart", zap.Int("systems_loaded", len(systems)))
		return store, func() {}, nil
	}
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (storage.LogStore, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3LogStore(ctx, storage.S3LogStoreConfig{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	case "local":
		return storage.NewLocalLogStore(cfg.LocalDir)
	default:
		return nil, nil
	}
}

func shutdownWithTimeout(log *zap.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error("shutdown failed", zap.String("component", what), zap.Error(err))
	}
}
