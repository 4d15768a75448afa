package amqp

import (
	"context"
	"testing"

	rabbitmq "github.com/rabbitmq/amqp091-go"

	"github.com/svmbench/platform/internal/domain"
)

func TestIsExpiredDeath(t *testing.T) {
	cases := []struct {
		name    string
		headers rabbitmq.Table
		want    bool
	}{
		{"no headers", nil, false},
		{"no x-death", rabbitmq.Table{}, false},
		{"expired first entry", rabbitmq.Table{"x-death": []interface{}{
			rabbitmq.Table{"reason": "expired"},
		}}, true},
		{"rejected first entry", rabbitmq.Table{"x-death": []interface{}{
			rabbitmq.Table{"reason": "rejected"},
		}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isExpiredDeath(tc.headers); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestDLQConsumerHandle_FailsExpiredJob(t *testing.T) {
	jobs := &fakeJobRepo{failCASOK: true}
	c := &DLQConsumer{jobs: jobs}
	ack := &fakeAcknowledger{}

	msg := domain.JobMessage{JobID: "j1"}
	d := rabbitmq.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         mustMarshal(t, msg),
		Headers: rabbitmq.Table{"x-death": []interface{}{
			rabbitmq.Table{"reason": "expired"},
		}},
	}

	c.handle(context.Background(), d)

	if len(ack.acked) != 1 {
		t.Fatalf("expected ack, got %+v", ack)
	}
	if len(jobs.failCASCalls) != 1 || jobs.failCASCalls[0] != "j1" {
		t.Fatalf("expected FailCAS called for j1, got %v", jobs.failCASCalls)
	}
}

func TestDLQConsumerHandle_AcksExpiredJobAlreadyTerminal(t *testing.T) {
	jobs := &fakeJobRepo{failCASOK: false}
	c := &DLQConsumer{jobs: jobs}
	ack := &fakeAcknowledger{}

	msg := domain.JobMessage{JobID: "j1"}
	d := rabbitmq.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         mustMarshal(t, msg),
		Headers: rabbitmq.Table{"x-death": []interface{}{
			rabbitmq.Table{"reason": "expired"},
		}},
	}

	c.handle(context.Background(), d)

	if len(ack.acked) != 1 {
		t.Fatalf("expected ack even though FailCAS was a no-op, got %+v", ack)
	}
	if len(ack.nacked) != 0 {
		t.Fatalf("expected no nack-requeue for an already-terminal job, got %+v", ack)
	}
	if len(jobs.failCASCalls) != 1 || jobs.failCASCalls[0] != "j1" {
		t.Fatalf("expected FailCAS called for j1, got %v", jobs.failCASCalls)
	}
}

func TestDLQConsumerHandle_AcksNonExpiredWithoutFailing(t *testing.T) {
	jobs := &fakeJobRepo{}
	c := &DLQConsumer{jobs: jobs}
	ack := &fakeAcknowledger{}

	msg := domain.JobMessage{JobID: "j1"}
	d := rabbitmq.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: mustMarshal(t, msg)}

	c.handle(context.Background(), d)

	if len(ack.acked) != 1 {
		t.Fatalf("expected ack, got %+v", ack)
	}
	if len(jobs.failCASCalls) != 0 {
		t.Fatalf("expected no FailCAS call, got %v", jobs.failCASCalls)
	}
}
