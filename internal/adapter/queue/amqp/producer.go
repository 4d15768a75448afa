package amqp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/svmbench/platform/internal/domain"
)

// Producer publishes job-start messages with persistent delivery and
// publisher confirms, implementing domain.Publisher.
type Producer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	confirm chan amqp.Confirmation
	returns chan amqp.Return
	queue   string
}

// NewProducer dials url, declares the job topology, and puts the channel
// into confirm mode.
func NewProducer(url string, cfg TopologyConfig) (*Producer, error) {
	slog.Info("creating amqp producer", slog.String("queue", cfg.QueueName))

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("op=amqp.NewProducer.dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.NewProducer.channel: %w", err)
	}

	if err := DeclareTopology(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.NewProducer.declare: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.NewProducer.confirm: %w", err)
	}

	slog.Info("amqp producer created successfully", slog.String("queue", cfg.QueueName))
	return &Producer{
		conn:    conn,
		ch:      ch,
		confirm: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns: ch.NotifyReturn(make(chan amqp.Return, 1)),
		queue:   cfg.QueueName,
	}, nil
}

// PublishJobStart publishes msg with persistent delivery, blocking until the
// broker confirms or the context is done.
func (p *Producer) PublishJobStart(ctx domain.Context, msg domain.JobMessage) error {
	msg.Type = domain.JobMessageType
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=amqp.PublishJobStart.marshal: %w", err)
	}

	slog.Info("publishing job start", slog.String("job_id", msg.JobID), slog.String("queue", p.queue))

	if err := p.ch.PublishWithContext(ctx, "", p.queue, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("op=amqp.PublishJobStart.publish: %w", err)
	}

	select {
	case ret := <-p.returns:
		// mandatory=true causes the broker to return unroutable messages
		// here instead of silently dropping them.
		return fmt.Errorf("op=amqp.PublishJobStart: %w: message returned unroutable (%s)", domain.ErrEnqueueFailed, ret.ReplyText)
	case confirm := <-p.confirm:
		if !confirm.Ack {
			return fmt.Errorf("op=amqp.PublishJobStart: %w: broker did not confirm delivery", domain.ErrEnqueueFailed)
		}
	case <-ctx.Done():
		return fmt.Errorf("op=amqp.PublishJobStart: %w", ctx.Err())
	}

	slog.Info("job start published and confirmed", slog.String("job_id", msg.JobID))
	return nil
}

// Close closes the channel and connection.
func (p *Producer) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var _ domain.Publisher = (*Producer)(nil)
