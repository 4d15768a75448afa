package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/svmbench/platform/internal/adapter/observability"
	"github.com/svmbench/platform/internal/domain"
)

// Consumer is the Instancer's job-start consumer: it claims capacity,
// starts an isolated worker per message, and acks/nacks/rejects according
// to the outcome.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	cfg     TopologyConfig
	backend domain.Backend
	jobs    domain.JobRepository

	// ConfiguredMaxConcurrency is the operator-set concurrency cap, or nil
	// to fall back to the backend's intrinsic ceiling.
	ConfiguredMaxConcurrency *int
	CapacityPoll             time.Duration

	shutdown chan struct{}
}

// NewConsumer dials url and constructs a Consumer bound to backend and jobs.
func NewConsumer(url string, cfg TopologyConfig, backend domain.Backend, jobs domain.JobRepository) (*Consumer, error) {
	slog.Info("creating amqp consumer", slog.String("queue", cfg.QueueName))

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("op=amqp.NewConsumer.dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.NewConsumer.channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.NewConsumer.qos: %w", err)
	}
	if err := DeclareTopology(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.NewConsumer.declare: %w", err)
	}
	if q, err := ch.QueueInspect(cfg.QueueName); err == nil {
		observability.RecordQueueDepth(cfg.QueueName, float64(q.Messages))
	}

	return &Consumer{
		conn:         conn,
		ch:           ch,
		cfg:          cfg,
		backend:      backend,
		jobs:         jobs,
		CapacityPoll: 5 * time.Second,
		shutdown:     make(chan struct{}),
	}, nil
}

// effectiveMaxConcurrency returns the operator-configured cap if set,
// otherwise the backend's intrinsic ceiling (nil means unbounded).
func (c *Consumer) effectiveMaxConcurrency() *int {
	if c.ConfiguredMaxConcurrency != nil {
		return c.ConfiguredMaxConcurrency
	}
	return c.backend.DefaultMaxConcurrency()
}

func (c *Consumer) waitForCapacity(ctx context.Context, limit int) error {
	poll := c.CapacityPoll
	if poll <= 0 {
		poll = time.Second
	}
	for {
		running, err := c.backend.RunningWorkers(ctx)
		if err != nil {
			return fmt.Errorf("op=amqp.waitForCapacity: %w", err)
		}
		observability.RecordRunningWorkers(running)
		if running < limit {
			return nil
		}
		slog.Info("at capacity, waiting", slog.Int("running", running), slog.Int("limit", limit))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Start begins consuming the job queue until ctx is done or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=amqp.Consumer.Start: %w", err)
	}

	slog.Info("amqp consumer started", slog.String("queue", c.cfg.QueueName))
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.shutdown:
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				c.handle(ctx, d)
			}
		}
	}()
	return nil
}

// Stop closes the channel and connection.
func (c *Consumer) Stop() {
	close(c.shutdown)
	_ = c.ch.Close()
	_ = c.conn.Close()
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg domain.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		slog.Warn("invalid message payload (not JSON)", slog.Any("error", err))
		_ = d.Reject(false)
		return
	}
	if msg.Type != domain.JobMessageType {
		slog.Warn("ignoring message with unexpected type", slog.String("type", msg.Type))
		_ = d.Reject(false)
		return
	}
	if msg.JobID == "" || msg.SecretRef == "" || msg.Model == "" || msg.ResultToken == "" {
		slog.Warn("missing required fields in job start payload", slog.Any("payload", msg))
		_ = d.Reject(false)
		return
	}

	slog.Info("received job start", slog.String("job_id", msg.JobID))

	if limit := c.effectiveMaxConcurrency(); limit != nil {
		if err := c.waitForCapacity(ctx, *limit); err != nil {
			slog.Warn("capacity wait interrupted", slog.String("job_id", msg.JobID), slog.Any("error", err))
			_ = d.Nack(false, true)
			return
		}
	}

	_, err := c.backend.StartWorker(ctx, domain.StartWorkerOptions{
		JobID:       msg.JobID,
		SecretRef:   msg.SecretRef,
		Model:       msg.Model,
		ResultToken: msg.ResultToken,
	})
	if err != nil {
		slog.Warn("unable to start worker", slog.String("job_id", msg.JobID), slog.Any("error", err))
		_ = d.Nack(false, true)
		return
	}

	if ok, err := c.jobs.TransitionRunning(ctx, msg.JobID, time.Now().UTC()); err != nil || !ok {
		slog.Warn("unable to transition job to running", slog.String("job_id", msg.JobID), slog.Any("error", err))
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
	slog.Info("job started", slog.String("job_id", msg.JobID))
}
