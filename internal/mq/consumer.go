package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer потребляет очередь RabbitMQ и отдаёт доставки в канал.
//
// Подтверждение — на стороне получателя: Delivery.Ack/Nack
// вызывают ack/nack исходного AMQP сообщения.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	prefetch int
	out      chan *Delivery
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя AMQP очереди.
	Queue string

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		prefetch: prefetch,
		out:      make(chan *Delivery),
	}
}

// Deliveries возвращает канал доставок.
func (c *Consumer) Deliveries() <-chan *Delivery {
	return c.out
}

// Start запускает потребление. Блокируется до отмены ctx
// (RabbitTransport.Close) или закрытия соединения.
func (c *Consumer) Start(ctx context.Context) error {
	return c.consume(ctx)
}

// consume — основной цикл потребления.
func (c *Consumer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// подписка до получения канала: иначе можно пропустить reconnect
		reconnected := c.conn.ReconnectNotify()

		ch, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.Done():
				return ErrClosed
			case <-reconnected:
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue)

		err = c.processDeliveries(ctx, deliveries)
		_ = ch.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return ErrClosed
		case <-reconnected:
		}
	}
}

// setupConsume открывает канал и начинает потребление.
func (c *Consumer) setupConsume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}

	return ch, deliveries, nil
}

// processDeliveries передаёт сообщения получателям.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery разбирает сообщение и ждёт получателя.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var env Envelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		c.logger.Error("failed to unmarshal envelope",
			"queue", c.queue,
			"error", err,
			"body", string(raw.Body),
		)
		// Некорректное сообщение — отправляем в DLQ
		_ = raw.Nack(false, false)
		return
	}

	delivery := NewDelivery(env,
		func() error { return raw.Ack(false) },
		func(requeue bool) error { return raw.Nack(false, requeue) },
	)

	c.logger.Debug("received envelope",
		"queue", c.queue,
		"message_id", raw.MessageId,
		"correlation_id", env.ExecutionCorrelationID,
	)

	select {
	case c.out <- delivery:
	case <-ctx.Done():
		_ = raw.Nack(false, true)
	}
}
