// Package healthcheck periodically probes every active system and records
// its reachability in the registry.
package healthcheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orca/pkg/executor/connector"
	"orca/pkg/metrics"
	"orca/pkg/models"
	"orca/pkg/storage"
)

// Config controls probing.
type Config struct {
	// Schedule is a five-field cron expression or a descriptor such as
	// "@every 5m".
	Schedule string
	// Concurrency caps probes in flight at once.
	Concurrency int
	// ProbeTimeout bounds one probe including the connect.
	ProbeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Schedule: "@every 5m", Concurrency: 8, ProbeTimeout: 30 * time.Second}
}

// Report summarizes one sweep.
type Report struct {
	Checked   int                                   `json:"checked"`
	Healthy   int                                   `json:"healthy"`
	Unhealthy int                                   `json:"unhealthy"`
	Unknown   int                                   `json:"unknown"`
	Results   map[string]models.HealthStatus        `json:"results"`
	Details   map[string]connector.ConnectionResult `json:"-"`
}

type Checker struct {
	registry   storage.SystemRegistry
	connectors *connector.Set
	log        *zap.Logger
	cfg        Config
	schedule   cron.Schedule
	now        func() time.Time
}

func New(cfg Config, registry storage.SystemRegistry, connectors *connector.Set, log *zap.Logger) (*Checker, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid health check schedule %q: %w", cfg.Schedule, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		registry:   registry,
		connectors: connectors,
		log:        log,
		cfg:        cfg,
		schedule:   schedule,
		now:        time.Now,
	}, nil
}

// Run sweeps on the schedule until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	for {
		next := c.schedule.Next(c.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.log.Info("health checker stopped")
			return
		case <-timer.C:
		}

		report, err := c.CheckAll(ctx)
		if err != nil {
			c.log.Error("health sweep failed", zap.Error(err))
			continue
		}
		c.log.Info("health sweep finished",
			zap.Int("checked", report.Checked),
			zap.Int("healthy", report.Healthy),
			zap.Int("unhealthy", report.Unhealthy),
			zap.Time("next", c.schedule.Next(c.now())),
		)
	}
}

// CheckAll probes every active system and records the results.
func (c *Checker) CheckAll(ctx context.Context) (Report, error) {
	systems, err := c.registry.ListSystems(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list systems: %w", err)
	}

	report := Report{
		Results: make(map[string]models.HealthStatus, len(systems)),
		Details: make(map[string]connector.ConnectionResult, len(systems)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, sys := range systems {
		g.Go(func() error {
			health, res := c.Check(gctx, sys)
			mu.Lock()
			report.Results[sys.ID.String()] = health
			report.Details[sys.ID.String()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range report.Results {
		report.Checked++
		switch h {
		case models.HealthHealthy:
			report.Healthy++
		case models.HealthUnhealthy:
			report.Unhealthy++
		default:
			report.Unknown++
		}
	}
	return report, ctx.Err()
}

// Check probes one system and stores the outcome. A system whose target
// cannot be resolved is recorded as unknown.
func (c *Checker) Check(ctx context.Context, sys models.System) (models.HealthStatus, connector.ConnectionResult) {
	log := c.log.With(zap.String("system", sys.String()))
	health := models.HealthUnknown
	var res connector.ConnectionResult

	target, err := c.registry.GetTarget(ctx, sys.ID)
	conn, cerr := c.connectors.For(sys.Platform)
	switch {
	case err != nil:
		log.Warn("cannot resolve system for probe", zap.Error(err))
	case cerr != nil:
		log.Warn("no connector for system", zap.Error(cerr))
	default:
		pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		res = conn.Probe(pctx, *target)
		cancel()
		if res.Success {
			health = models.HealthHealthy
		} else {
			health = models.HealthUnhealthy
			if res.Err != nil {
				log.Debug("probe failed", zap.String("error", res.Err.Error()))
			}
		}
	}

	if ctx.Err() != nil {
		return health, res
	}
	metrics.HealthChecks.WithLabelValues(string(health)).Inc()
	if err := c.registry.UpdateHealth(ctx, sys.ID, health, c.now()); err != nil {
		log.Warn("failed to record system health", zap.Error(err))
	}
	return health, res
}
