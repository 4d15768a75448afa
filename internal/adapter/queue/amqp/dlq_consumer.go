package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/svmbench/platform/internal/domain"
)

// DLQConsumer processes expired job-start messages dead-lettered by the job
// queue's TTL+DLX arguments, failing the corresponding job. It only exists
// when the topology configured a DLQ (no concurrency cap in effect).
type DLQConsumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	jobs  domain.JobRepository

	shutdown chan struct{}
}

// NewDLQConsumer dials url and constructs a DLQConsumer bound to cfg's DLQ
// queue. Returns (nil, nil) when the topology has no DLQ configured.
func NewDLQConsumer(url string, cfg TopologyConfig, jobs domain.JobRepository) (*DLQConsumer, error) {
	if !cfg.HasDLQ() {
		return nil, nil
	}

	slog.Info("creating amqp dlq consumer", slog.String("queue", cfg.JobDLQName()))
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("op=amqp.NewDLQConsumer.dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.NewDLQConsumer.channel: %w", err)
	}
	if err := DeclareTopology(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.NewDLQConsumer.declare: %w", err)
	}

	return &DLQConsumer{
		conn:     conn,
		ch:       ch,
		queue:    cfg.JobDLQName(),
		jobs:     jobs,
		shutdown: make(chan struct{}),
	}, nil
}

// Start begins consuming the DLQ until ctx is done or Stop is called.
func (c *DLQConsumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=amqp.DLQConsumer.Start: %w", err)
	}

	slog.Info("amqp dlq consumer started", slog.String("queue", c.queue))
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
func (c *DLQConsumer) Stop() {
	close(c.shutdown)
	_ = c.ch.Close()
	_ = c.conn.Close()
}

func (c *DLQConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg domain.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		slog.Warn("invalid DLQ payload (not JSON)", slog.Any("error", err))
		_ = d.Reject(false)
		return
	}
	if msg.JobID == "" {
		slog.Warn("missing job_id in DLQ payload")
		_ = d.Reject(false)
		return
	}

	if !isExpiredDeath(d.Headers) {
		slog.Warn("ignoring non-expired message in DLQ", slog.String("job_id", msg.JobID))
		_ = d.Ack(false)
		return
	}

	ok, err := c.jobs.FailCAS(ctx, msg.JobID, []domain.JobStatus{domain.JobQueued, domain.JobRunning}, "queue message expired before a worker slot was available")
	if err != nil {
		slog.Warn("unable to fail expired job", slog.String("job_id", msg.JobID), slog.Any("error", err))
		_ = d.Nack(false, true)
		return
	}
	if !ok {
		// The job was already terminal (the reaper or Result Service beat
		// us to it), a legitimate CAS no-op. Ack it so it isn't redelivered
		// forever.
		slog.Info("expired job already terminal, dropping", slog.String("job_id", msg.JobID))
		_ = d.Ack(false)
		return
	}

	_ = d.Ack(false)
	slog.Info("marked expired job as failed", slog.String("job_id", msg.JobID))
}

// isExpiredDeath reports whether the delivery's x-death history's first
// entry records an "expired" reason, i.e. it was dead-lettered by the
// queue's own TTL rather than a downstream rejection.
func isExpiredDeath(headers amqp.Table) bool {
	raw, ok := headers["x-death"]
	if !ok {
		return false
	}
	deaths, ok := raw.([]interface{})
	if !ok || len(deaths) == 0 {
		return false
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return false
	}
	reason, _ := first["reason"].(string)
	return reason == "expired"
}
