// Package intake feeds job requests from a Kafka topic into the engine.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"orca/pkg/executor"
	"orca/pkg/metrics"
	"orca/pkg/models"
)

// Submitter accepts job requests. *executor.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req models.JobRequest) (*executor.JobHandle, error)
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Message outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

type Consumer struct {
	reader    Reader
	submitter Submitter
	log       *zap.Logger
}

func NewConsumer(cfg Config, submitter Submitter, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return newConsumer(r, submitter, log)
}

func newConsumer(r Reader, submitter Submitter, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{reader: r, submitter: submitter, log: log}
}

// Run consumes until ctx is done or the engine stops accepting jobs.
// Messages that can never be submitted are logged and committed so they do
// not block the partition.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch job request: %w", err)
		}

		outcome, err := c.handle(ctx, msg)
		metrics.IntakeMessages.WithLabelValues(outcome).Inc()
		if err != nil {
			// Left uncommitted so the request is redelivered to the next consumer.
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (string, error) {
	log := c.log.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	req, err := Decode(msg)
	if err != nil {
		log.Warn("discarding undecodable job request", zap.Error(err))
		return OutcomeInvalid, nil
	}

	handle, err := c.submitter.Submit(ctx, req)
	switch {
	case err == nil:
		log.Info("job request submitted",
			zap.String("job_id", handle.ID.String()),
			zap.Int("units", len(handle.UnitIDs)))
		return OutcomeSubmitted, nil
	case errors.Is(err, executor.ErrValidation):
		log.Warn("discarding invalid job request", zap.Error(err))
		return OutcomeInvalid, nil
	default:
		log.Error("job request not submitted", zap.Error(err))
		return OutcomeFailed, fmt.Errorf("submit job request: %w", err)
	}
}

// Decode parses a JSON job request. When the request carries no ID a UUID
// message key is used, so a redelivered message maps to the same job.
func Decode(msg kafka.Message) (models.JobRequest, error) {
	var req models.JobRequest
	dec := json.NewDecoder(bytes.NewReader(msg.Value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return models.JobRequest{}, fmt.Errorf("decode job request: %w", err)
	}
	if req.ID == uuid.Nil && len(msg.Key) > 0 {
		if id, err := uuid.ParseBytes(msg.Key); err == nil {
			req.ID = id
		}
	}
	return req, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
