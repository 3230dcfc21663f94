package mq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Dispatch/internal/domain"
)

// Exchange — тип для имени обменника.
type Exchange string

// Exchanges — имена обменников.
const (
	ExchangeJobs Exchange = "dispatch.jobs"
	ExchangeDLQ  Exchange = "dispatch.dlq"
)

// QueueFor возвращает имя AMQP очереди для логической очереди.
func QueueFor(name domain.QueueName) string {
	return "dispatch." + string(name)
}

// DeadQueueFor возвращает имя dead letter очереди.
func DeadQueueFor(name domain.QueueName) string {
	return "dispatch.dlq." + string(name)
}

// SetupTopology объявляет exchanges и очереди для всех переданных
// логических очередей. Routing key — имя логической очереди.
func SetupTopology(conn *Connection, queues []domain.QueueName) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		for _, q := range queues {
			if err := declareQueue(ch, q); err != nil {
				return err
			}
		}
		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeJobs, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// declareQueue создаёт рабочую и dead letter очереди и привязывает их.
func declareQueue(ch *amqp.Channel, name domain.QueueName) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(name),
	}

	queues := []struct {
		queue    string
		exchange Exchange
		args     amqp.Table
	}{
		{QueueFor(name), ExchangeJobs, dlqArgs},
		{DeadQueueFor(name), ExchangeDLQ, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.queue, // name
			true,    // durable
			false,   // delete when unused
			false,   // exclusive
			false,   // no-wait
			q.args,  // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.queue, err)
		}

		err = ch.QueueBind(
			q.queue,            // queue name
			string(name),       // routing key
			string(q.exchange), // exchange
			false,              // no-wait
			nil,                // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q.queue, q.exchange, err)
		}
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo(queues []domain.QueueName) string {
	var b strings.Builder
	b.WriteString("dispatch RabbitMQ topology:\n")
	fmt.Fprintf(&b, "  %s (direct)\n", ExchangeJobs)
	for _, q := range queues {
		fmt.Fprintf(&b, "    %s [routing: %s] DLQ: %s\n", QueueFor(q), q, DeadQueueFor(q))
	}
	fmt.Fprintf(&b, "  %s (direct)\n", ExchangeDLQ)
	for _, q := range queues {
		fmt.Fprintf(&b, "    %s [routing: %s]\n", DeadQueueFor(q), q)
	}
	return b.String()
}
