package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"orca/pkg/models"
	"orca/pkg/storage"
)

const (
	// StreamKeyEvents receives one entry per accepted job or unit write.
	StreamKeyEvents = "orca:events"

	jobKeyPrefix  = "orca:job:"
	unitKeyPrefix = "orca:unit:"
	seenKeyPrefix = "orca:seen:"
)

// EventSink keeps the latest job and unit snapshots in hashes and appends
// every status change to a stream that dashboards can follow.
type EventSink struct {
	client    *redis.Client
	maxLen    int64
	snapshotT time.Duration
}

// EventSinkConfig holds Redis connection configuration
type EventSinkConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// StreamMaxLen caps the event stream (approximate trimming).
	StreamMaxLen int64
	// SnapshotTTL expires snapshots and dedupe markers.
	SnapshotTTL time.Duration
}

// DefaultEventSinkConfig returns production defaults
func DefaultEventSinkConfig(addr string) EventSinkConfig {
	return EventSinkConfig{
		Addr:         addr,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		StreamMaxLen: 100000,
		SnapshotTTL:  7 * 24 * time.Hour,
	}
}

// NewEventSink connects and verifies the server answers.
func NewEventSink(cfg EventSinkConfig) (*EventSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &EventSink{client: client, maxLen: cfg.StreamMaxLen, snapshotT: cfg.SnapshotTTL}, nil
}

func (r *EventSink) Close() error {
	return r.client.Close()
}

func (r *EventSink) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *EventSink) SaveJob(ctx context.Context, job models.Job) error {
	key := jobKeyPrefix + job.ID.String()
	current, err := r.client.HGet(ctx, key, "status").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read job snapshot: %w", err)
	}
	if err == nil && !storage.JobAdvances(models.JobStatus(current), job.Status) {
		return nil
	}
	return r.write(ctx, "job", key, job.ID.String(), string(job.Status), job)
}

func (r *EventSink) CreateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	key := unitKeyPrefix + unit.ID.String()
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read unit snapshot: %w", err)
	}
	if exists > 0 {
		return nil
	}
	return r.write(ctx, "unit", key, unit.ID.String(), string(unit.Status), unit)
}

func (r *EventSink) UpdateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	key := unitKeyPrefix + unit.ID.String()
	current, err := r.client.HGet(ctx, key, "status").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read unit snapshot: %w", err)
	}
	if err == nil && !storage.UnitAdvances(models.UnitStatus(current), unit.Status) {
		return nil
	}
	return r.write(ctx, "unit", key, unit.ID.String(), string(unit.Status), unit)
}

// write stores the snapshot and, the first time this id reaches this
// status, appends an event.
func (r *EventSink) write(ctx context.Context, kind, key, id, status string, record interface{}) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return storage.Permanent(fmt.Errorf("failed to marshal %s: %w", kind, err))
	}

	first, err := r.client.SetNX(ctx, seenKeyPrefix+id+":"+status, 1, r.snapshotT).Result()
	if err != nil {
		return fmt.Errorf("failed to mark %s event: %w", kind, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"status":  status,
			"payload": payload,
		})
		if r.snapshotT > 0 {
			pipe.Expire(ctx, key, r.snapshotT)
		}
		if first {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: StreamKeyEvents,
				MaxLen: r.maxLen,
				Approx: true,
				Values: map[string]interface{}{
					"kind":   kind,
					"id":     id,
					"status": status,
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	return nil
}

// Unit reads a unit snapshot back.
func (r *EventSink) Unit(ctx context.Context, id string) (*models.ExecutionUnit, error) {
	payload, err := r.client.HGet(ctx, unitKeyPrefix+id, "payload").Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var unit models.ExecutionUnit
	if err := json.Unmarshal([]byte(payload), &unit); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unit: %w", err)
	}
	return &unit, nil
}
