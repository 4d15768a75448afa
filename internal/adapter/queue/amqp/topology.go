// Package amqp implements the RabbitMQ broker adapter: the Admission
// publisher and the Instancer's job-start and dead-letter consumers.
package amqp

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyConfig parameterizes queue declaration.
type TopologyConfig struct {
	QueueName string
	QueueDLQ  string
	QueueTTL  int64 // milliseconds; 0 disables TTL+DLX
	HasCapCfg bool  // true when a concurrency cap is explicitly configured
}

// JobDLQName returns the configured DLQ name, or the default derived one.
func (c TopologyConfig) JobDLQName() string {
	if c.QueueDLQ != "" {
		return c.QueueDLQ
	}
	return c.QueueName + ".dlq"
}

// jobQueueArguments returns the declare-time arguments for the job queue.
// The TTL+dead-letter-exchange pair is configured only when no concurrency
// cap is set; under a cap a message may legitimately wait behind capacity
// for an arbitrarily long time.
func (c TopologyConfig) jobQueueArguments() amqp.Table {
	if c.HasCapCfg || c.QueueTTL <= 0 {
		return nil
	}
	return amqp.Table{
		"x-message-ttl":             c.QueueTTL,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.JobDLQName(),
	}
}

// HasDLQ reports whether a DLQ queue should be declared and consumed.
func (c TopologyConfig) HasDLQ() bool {
	return !c.HasCapCfg && c.QueueTTL > 0
}

// DeclareTopology declares the durable job queue (with TTL+DLX arguments
// when applicable) and, when HasDLQ is true, the durable DLQ queue.
func DeclareTopology(ch *amqp.Channel, cfg TopologyConfig) error {
	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, cfg.jobQueueArguments()); err != nil {
		return err
	}
	if cfg.HasDLQ() {
		if _, err := ch.QueueDeclare(cfg.JobDLQName(), true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}
