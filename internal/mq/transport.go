package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/shaiso/Dispatch/internal/domain"
)

// ErrClosed — транспорт закрыт.
var ErrClosed = errors.New("transport closed")

// Transport — граница брокера очередей.
type Transport interface {
	// Publish ставит envelope в очередь env.QueueName.
	Publish(ctx context.Context, env Envelope) error

	// Receive блокируется до появления сообщения в очереди
	// или отмены ctx (тогда возвращается ctx.Err()).
	Receive(ctx context.Context, queue domain.QueueName) (*Delivery, error)

	// Close освобождает ресурсы. Неподтверждённые сообщения
	// остаются у брокера.
	Close() error
}

// Envelope — wire-формат сообщения очереди.
type Envelope struct {
	QueueName              domain.QueueName `json:"queueName"`
	ExecutionCorrelationID string           `json:"executionCorrelationId"`
	Status                 domain.JobStatus `json:"status"`
	Token                  string           `json:"token"`
	Message                string           `json:"message,omitempty"`
	Payload                json.RawMessage  `json:"payload,omitempty"`
}

// EnvelopeFromJob строит envelope из job.
func EnvelopeFromJob(job *domain.Job) Envelope {
	return Envelope{
		QueueName:              job.QueueName,
		ExecutionCorrelationID: job.ExecutionCorrelationID,
		Status:                 job.Status,
		Token:                  job.Token,
		Message:                job.Message,
		Payload:                job.Payload,
	}
}

// Delivery — полученное сообщение с подтверждением.
//
// Ack и Nack идемпотентны: учитывается только первый вызов.
type Delivery struct {
	Envelope Envelope

	once sync.Once
	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery создаёт Delivery с функциями подтверждения транспорта.
func NewDelivery(env Envelope, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Envelope: env, ack: ack, nack: nack}
}

// Ack подтверждает обработку.
func (d *Delivery) Ack() error {
	var err error
	d.once.Do(func() {
		if d.ack != nil {
			err = d.ack()
		}
	})
	return err
}

// Nack отклоняет сообщение.
// requeue=true — вернуть в очередь, false — в dead letter.
func (d *Delivery) Nack(requeue bool) error {
	var err error
	d.once.Do(func() {
		if d.nack != nil {
			err = d.nack(requeue)
		}
	})
	return err
}
