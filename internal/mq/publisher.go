package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher публикует envelope в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует envelope в exchange dispatch.jobs
// с routing key = имя очереди.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	messageID := uuid.NewString()

	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(ExchangeJobs),  // exchange
			string(env.QueueName), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:   "application/json",
				DeliveryMode:  amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:     messageID,
				CorrelationId: env.ExecutionCorrelationID,
				Timestamp:     time.Now(),
				Body:          body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", ExchangeJobs, env.QueueName, err)
		}

		p.logger.Debug("published envelope",
			"exchange", ExchangeJobs,
			"queue", env.QueueName,
			"message_id", messageID,
			"correlation_id", env.ExecutionCorrelationID,
		)

		return nil
	})
}
