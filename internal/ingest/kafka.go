// Package ingest feeds live activity from Kafka into the ingestion service.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

// Envelope is the JSON body of an activity message: a raw event tagged with
// its organization. The message key is used when org_id is absent.
type Envelope struct {
	OrgID string `json:"org_id"`
	domain.RawEvent
}

// MessageSource is the subset of *kafka.Reader the consumer needs.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester stores one raw event.
type Ingester interface {
	Ingest(ctx context.Context, orgID string, raw domain.RawEvent, transport string) (*service.IngestResult, error)
}

// ReaderConfig selects the topic and consumer group to read.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader opens a consumer-group reader with explicit commits.
func NewReader(cfg ReaderConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), nil
}

// Consumer reads activity messages and ingests them. Messages are committed
// after they are stored or rejected as invalid; store failures are retried
// with backoff so the message is never skipped.
type Consumer struct {
	src    MessageSource
	ing    Ingester
	logger *slog.Logger

	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func NewConsumer(src MessageSource, ing Ingester, logger *slog.Logger) *Consumer {
	return &Consumer{
		src:          src,
		ing:          ing,
		logger:       logger,
		RetryBackoff: 500 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
	}
}

// Run consumes until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.src.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: fetch: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.src.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle returns an error only when ctx ends before the message is stored.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	env, err := Decode(msg)
	if err != nil {
		c.logger.Warn("kafka: drop malformed message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return nil
	}

	backoff := c.RetryBackoff
	for {
		res, err := c.ing.Ingest(ctx, env.OrgID, env.RawEvent, service.TransportKafka)
		switch {
		case err == nil:
			c.logger.Debug("kafka: event ingested", "org_id", env.OrgID, "dedup_key", res.DedupKey, "duplicate", res.Duplicate)
			return nil
		case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound):
			c.logger.Warn("kafka: reject event", "org_id", env.OrgID, "offset", msg.Offset, "error", err)
			return nil
		}

		c.logger.Error("kafka: ingest failed, retrying", "org_id", env.OrgID, "offset", msg.Offset, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.MaxBackoff)
	}
}

// Decode parses an activity message.
func Decode(msg kafka.Message) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, fmt.Errorf("decode activity: %w", err)
	}
	if env.OrgID == "" {
		env.OrgID = string(msg.Key)
	}
	if env.OrgID == "" {
		return nil, fmt.Errorf("activity without org_id: %w", domain.ErrInvalidInput)
	}
	return &env, nil
}

func (c *Consumer) Close() error {
	return c.src.Close()
}
