package mq

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shaiso/Dispatch/internal/domain"
)

func testEnvelope(id string) Envelope {
	return Envelope{
		QueueName:              domain.QueueExecutor,
		ExecutionCorrelationID: id,
		Status:                 domain.JobStatusQueued,
		Token:                  "tok-" + id,
		Payload:                json.RawMessage(`{"n":1}`),
	}
}

func TestEnvelope_WireFormat(t *testing.T) {
	job := domain.NewJob(domain.QueueWebhooks, json.RawMessage(`{"a":1}`), 3, time.Now())
	job.Message = "hello"

	b, err := json.Marshal(EnvelopeFromJob(job))
	require.NoError(t, err)

	res := gjson.ParseBytes(b)
	assert.Equal(t, "webhooks", res.Get("queueName").String())
	assert.Equal(t, job.ExecutionCorrelationID, res.Get("executionCorrelationId").String())
	assert.Equal(t, "QUEUED", res.Get("status").String())
	assert.Equal(t, job.Token, res.Get("token").String())
	assert.Equal(t, "hello", res.Get("message").String())
	assert.Equal(t, int64(1), res.Get("payload.a").Int())
	assert.False(t, res.Get("engine_token").Exists())
}

func TestDelivery_AckNackOnce(t *testing.T) {
	acks, nacks := 0, 0
	d := NewDelivery(testEnvelope("1"),
		func() error { acks++; return nil },
		func(bool) error { nacks++; return nil },
	)

	require.NoError(t, d.Ack())
	require.NoError(t, d.Ack())
	require.NoError(t, d.Nack(true))

	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)
}

func TestMemoryTransport_FIFO(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, testEnvelope("1")))
	require.NoError(t, tr.Publish(ctx, testEnvelope("2")))
	assert.Equal(t, 2, tr.Len(domain.QueueExecutor))

	d, err := tr.Receive(ctx, domain.QueueExecutor)
	require.NoError(t, err)
	assert.Equal(t, "1", d.Envelope.ExecutionCorrelationID)
	require.NoError(t, d.Ack())

	d, err = tr.Receive(ctx, domain.QueueExecutor)
	require.NoError(t, err)
	assert.Equal(t, "2", d.Envelope.ExecutionCorrelationID)

	// очереди независимы
	assert.Equal(t, 0, tr.Len(domain.QueueWebhooks))
}

func TestMemoryTransport_ReceiveTimeout(t *testing.T) {
	tr := NewMemoryTransport()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	d, err := tr.Receive(ctx, domain.QueueExecutor)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryTransport_ReceiveWakesOnPublish(t *testing.T) {
	tr := NewMemoryTransport()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tr.Publish(context.Background(), testEnvelope("late"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := tr.Receive(ctx, domain.QueueExecutor)
	require.NoError(t, err)
	assert.Equal(t, "late", d.Envelope.ExecutionCorrelationID)
}

func TestMemoryTransport_Nack(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, testEnvelope("1")))
	require.NoError(t, tr.Publish(ctx, testEnvelope("2")))

	d, err := tr.Receive(ctx, domain.QueueExecutor)
	require.NoError(t, err)
	require.NoError(t, d.Nack(true))

	// вернулся в начало очереди
	d, err = tr.Receive(ctx, domain.QueueExecutor)
	require.NoError(t, err)
	assert.Equal(t, "1", d.Envelope.ExecutionCorrelationID)
	require.NoError(t, d.Nack(false))

	dead := tr.Dead(domain.QueueExecutor)
	require.Len(t, dead, 1)
	assert.Equal(t, "1", dead[0].ExecutionCorrelationID)
	assert.Equal(t, 1, tr.Len(domain.QueueExecutor))
}

func TestMemoryTransport_Close(t *testing.T) {
	tr := NewMemoryTransport()

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background(), domain.QueueExecutor)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}

	assert.ErrorIs(t, tr.Publish(context.Background(), testEnvelope("x")), ErrClosed)
	assert.NoError(t, tr.Close())
}

func TestConsumer_StartStopsWithContext(t *testing.T) {
	c := NewConsumer(nil, slog.New(slog.DiscardHandler), ConsumerConfig{Queue: QueueFor(domain.QueueExecutor)})
	assert.Equal(t, 1, c.prefetch)

	// остановка consumer — только через ctx транспорта
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Start(ctx), context.Canceled)
}
