// Package api exposes the execution engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orca/pkg/api/middleware"
	"orca/pkg/executor"
	"orca/pkg/models"
	"orca/pkg/storage"
)

// Engine is the part of *executor.Engine the HTTP layer drives.
type Engine interface {
	Submit(ctx context.Context, req models.JobRequest) (*executor.JobHandle, error)
	Cancel(jobID uuid.UUID) error
	Job(ctx context.Context, id uuid.UUID) (executor.JobSnapshot, error)
	Unit(ctx context.Context, id uuid.UUID) (models.ExecutionUnit, error)
	Jobs() []models.Job
	RunningUnits() []executor.RunningUnit
	Health() executor.Health
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// BreakerReporter lists per-host circuit breaker state.
type BreakerReporter interface {
	Snapshot() []map[string]interface{}
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	engine       Engine
	history      storage.HistoryStore
	dependencies map[string]Pinger
	breakers     BreakerReporter
	stopLimiter  context.CancelFunc
}

// Config holds API server configuration.
type Config struct {
	Addr    string
	Engine  Engine
	History storage.HistoryStore // optional, serves job listings
	// Dependencies are pinged by /health/detailed.
	Dependencies map[string]Pinger
	Breakers     BreakerReporter // optional
	MaxBodyBytes int64
	SubmitLimit  middleware.RateLimiterConfig
	Logger       *zap.Logger
	Tracer       trace.Tracer
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("orca/api")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SubmitLimit.RequestsPerMinute <= 0 {
		cfg.SubmitLimit = middleware.DefaultRateLimiterConfig()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Tracing(cfg.Tracer))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestLogger(cfg.Logger))
	router.Use(middleware.BodySizeLimit(cfg.MaxBodyBytes))

	limiterCtx, stop := context.WithCancel(context.Background())
	s := &Server{
		router:       router,
		log:          cfg.Logger,
		engine:       cfg.Engine,
		history:      cfg.History,
		dependencies: cfg.Dependencies,
		breakers:     cfg.Breakers,
		stopLimiter:  stop,
	}
	s.registerRoutes(middleware.NewRateLimiter(limiterCtx, cfg.SubmitLimit))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("api server shutting down")
	s.stopLimiter()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(limiter *middleware.RateLimiter) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/health/detailed", s.detailedHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", limiter.Middleware(), s.submitJob)
			jobs.GET("", s.listJobs)
			jobs.GET("/:id", s.getJob)
			jobs.POST("/:id/cancel", s.cancelJob)
		}

		v1.GET("/units/:id", s.getUnit)
		v1.GET("/engine/running", s.runningUnits)
		v1.GET("/engine/health", s.detailedHealth)
	}
}
