package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"orca/pkg/metrics"
	"orca/pkg/models"
)

// Permanent marks err so RetryingSink gives up on it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryConfig bounds how hard RetryingSink tries.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  time.Minute,
	}
}

// RetryingSink retries failed writes with exponential backoff. Writes are
// idempotent so a retry after an ambiguous failure is safe.
type RetryingSink struct {
	next ResultSink
	cfg  RetryConfig
	log  *zap.Logger
}

func NewRetryingSink(next ResultSink, cfg RetryConfig, log *zap.Logger) *RetryingSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryingSink{next: next, cfg: cfg, log: log}
}

func (r *RetryingSink) SaveJob(ctx context.Context, job models.Job) error {
	return r.retry(ctx, "save_job", func() error { return r.next.SaveJob(ctx, job) })
}

func (r *RetryingSink) CreateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	return r.retry(ctx, "create_unit", func() error { return r.next.CreateUnit(ctx, unit) })
}

func (r *RetryingSink) UpdateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	return r.retry(ctx, "update_unit", func() error { return r.next.UpdateUnit(ctx, unit) })
}

func (r *RetryingSink) retry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         r.cfg.MaxInterval,
		MaxElapsedTime:      r.cfg.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	notify := func(err error, wait time.Duration) {
		metrics.SinkRetries.WithLabelValues(op).Inc()
		r.log.Warn("result sink write failed, retrying",
			zap.String("op", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(fn, backoff.WithContext(b, ctx), notify)
	if err != nil {
		metrics.SinkFailures.WithLabelValues(op).Inc()
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// MultiSink writes to every sink in order and joins their errors.
type MultiSink []ResultSink

func (m MultiSink) SaveJob(ctx context.Context, job models.Job) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SaveJob(ctx, job))
	}
	return errors.Join(errs...)
}

func (m MultiSink) CreateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.CreateUnit(ctx, unit))
	}
	return errors.Join(errs...)
}

func (m MultiSink) UpdateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.UpdateUnit(ctx, unit))
	}
	return errors.Join(errs...)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) SaveJob(context.Context, models.Job) error              { return nil }
func (NopSink) CreateUnit(context.Context, models.ExecutionUnit) error { return nil }
func (NopSink) UpdateUnit(context.Context, models.ExecutionUnit) error { return nil }
