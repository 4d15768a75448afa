package amqp

import (
	"context"
	"encoding/json"
	"testing"

	rabbitmq "github.com/rabbitmq/amqp091-go"

	"github.com/svmbench/platform/internal/domain"
)

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestConsumerHandle_AcksOnSuccess(t *testing.T) {
	backend := &fakeBackend{}
	jobs := &fakeJobRepo{transitionOK: true}
	c := &Consumer{backend: backend, jobs: jobs}

	ack := &fakeAcknowledger{}
	msg := domain.JobMessage{Type: domain.JobMessageType, JobID: "j1", SecretRef: "ref", Model: "m", ResultToken: "rt"}
	d := rabbitmq.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: mustMarshal(t, msg)}

	c.handle(context.Background(), d)

	if len(ack.acked) != 1 {
		t.Fatalf("expected ack, got acked=%v nacked=%v rejected=%v", ack.acked, ack.nacked, ack.rejected)
	}
	if backend.startCalls != 1 {
		t.Fatalf("expected one StartWorker call, got %d", backend.startCalls)
	}
}

func TestConsumerHandle_RejectsMalformedPayload(t *testing.T) {
	c := &Consumer{backend: &fakeBackend{}, jobs: &fakeJobRepo{}}
	ack := &fakeAcknowledger{}
	d := rabbitmq.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("not json")}

	c.handle(context.Background(), d)

	if len(ack.rejected) != 1 {
		t.Fatalf("expected reject, got %+v", ack)
	}
}

func TestConsumerHandle_RejectsWrongType(t *testing.T) {
	c := &Consumer{backend: &fakeBackend{}, jobs: &fakeJobRepo{}}
	ack := &fakeAcknowledger{}
	msg := domain.JobMessage{Type: "something.else", JobID: "j1", SecretRef: "r", Model: "m", ResultToken: "t"}
	d := rabbitmq.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: mustMarshal(t, msg)}

	c.handle(context.Background(), d)

	if len(ack.rejected) != 1 {
		t.Fatalf("expected reject, got %+v", ack)
	}
}

func TestConsumerHandle_NacksWithRequeueOnStartFailure(t *testing.T) {
	backend := &fakeBackend{startErr: context.DeadlineExceeded}
	c := &Consumer{backend: backend, jobs: &fakeJobRepo{}}
	ack := &fakeAcknowledger{}
	msg := domain.JobMessage{Type: domain.JobMessageType, JobID: "j1", SecretRef: "r", Model: "m", ResultToken: "t"}
	d := rabbitmq.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: mustMarshal(t, msg)}

	c.handle(context.Background(), d)

	if len(ack.nacked) != 1 || !ack.requeued[0] {
		t.Fatalf("expected requeued nack, got %+v", ack)
	}
}

func TestConsumerEffectiveMaxConcurrency_PrefersConfigured(t *testing.T) {
	configured := 3
	backendMax := 10
	c := &Consumer{backend: &fakeBackend{maxConc: &backendMax}, ConfiguredMaxConcurrency: &configured}

	got := c.effectiveMaxConcurrency()
	if got == nil || *got != 3 {
		t.Fatalf("expected configured cap to win, got %v", got)
	}
}

func TestConsumerEffectiveMaxConcurrency_FallsBackToBackend(t *testing.T) {
	backendMax := 10
	c := &Consumer{backend: &fakeBackend{maxConc: &backendMax}}

	got := c.effectiveMaxConcurrency()
	if got == nil || *got != 10 {
		t.Fatalf("expected backend default, got %v", got)
	}
}
