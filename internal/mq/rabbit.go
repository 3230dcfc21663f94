package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shaiso/Dispatch/internal/domain"
)

// RabbitTransport — Transport поверх RabbitMQ.
//
// Consumer для очереди создаётся при первом Receive и живёт до Close.
type RabbitTransport struct {
	conn      *Connection
	publisher *Publisher
	logger    *slog.Logger
	prefetch  int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	consumers map[domain.QueueName]*Consumer
	wg        sync.WaitGroup
}

// RabbitTransportConfig — конфигурация RabbitTransport.
type RabbitTransportConfig struct {
	URL      string
	Queues   []domain.QueueName
	Prefetch int
	Logger   *slog.Logger
}

// NewRabbitTransport подключается к RabbitMQ и объявляет топологию.
func NewRabbitTransport(cfg RabbitTransportConfig) (*RabbitTransport, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = domain.Queues()
	}

	conn, err := NewConnection(cfg.URL, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if err := SetupTopology(conn, cfg.Queues); err != nil {
		_ = conn.Close()
		return nil, err
	}
	cfg.Logger.Debug(TopologyInfo(cfg.Queues))

	ctx, cancel := context.WithCancel(context.Background())
	return &RabbitTransport{
		conn:      conn,
		publisher: NewPublisher(conn, cfg.Logger),
		logger:    cfg.Logger,
		prefetch:  cfg.Prefetch,
		ctx:       ctx,
		cancel:    cancel,
		consumers: make(map[domain.QueueName]*Consumer),
	}, nil
}

// Publish публикует envelope.
func (t *RabbitTransport) Publish(ctx context.Context, env Envelope) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	return t.publisher.Publish(ctx, env)
}

// Receive ждёт доставку из очереди.
func (t *RabbitTransport) Receive(ctx context.Context, queue domain.QueueName) (*Delivery, error) {
	c, err := t.consumer(queue)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrClosed
	case d := <-c.Deliveries():
		return d, nil
	}
}

func (t *RabbitTransport) consumer(queue domain.QueueName) (*Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if c, ok := t.consumers[queue]; ok {
		return c, nil
	}

	c := NewConsumer(t.conn, t.logger, ConsumerConfig{
		Queue:    QueueFor(queue),
		Prefetch: t.prefetch,
	})
	t.consumers[queue] = c

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := c.Start(t.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error("consumer stopped", "queue", queue, "error", err)
		}
	}()
	return c, nil
}

// Close останавливает consumers и закрывает соединение.
func (t *RabbitTransport) Close() error {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return nil
	}
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	return t.conn.Close()
}
