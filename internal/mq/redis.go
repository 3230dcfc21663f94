package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Dispatch/internal/domain"
)

// DefaultRedisBlockTimeout — сколько один BLMOVE ждёт сообщение.
// Между вызовами Receive проверяет Close и ctx. Redis не принимает
// таймаут меньше секунды.
const DefaultRedisBlockTimeout = time.Second

// RedisTransport — надёжная очередь на Redis lists.
//
// Ключи:
//
//	<prefix>queue:<name>            — очередь (LPUSH / забор справа)
//	<prefix>queue:<name>:processing — выданные, но не подтверждённые
//	<prefix>queue:<name>:dead       — отклонённые без requeue
//
// Receive переносит сообщение в processing атомарно (BLMOVE), поэтому
// падение получателя до Ack не теряет его: RecoverQueues
// возвращает такие сообщения в очередь.
//
// Клиенту стоит включить ContextTimeoutEnabled, иначе отмена ctx
// замечается только по истечении BlockTimeout.
type RedisTransport struct {
	client       *redis.Client
	prefix       string
	blockTimeout time.Duration
	logger       *slog.Logger
	closed       atomic.Bool
}

// RedisTransportConfig — конфигурация RedisTransport.
type RedisTransportConfig struct {
	Prefix       string
	BlockTimeout time.Duration
	Logger       *slog.Logger
}

// NewRedisTransport создаёт транспорт поверх клиента.
func NewRedisTransport(client *redis.Client, cfg RedisTransportConfig) *RedisTransport {
	if cfg.Prefix == "" {
		cfg.Prefix = "dispatch:"
	}
	if cfg.BlockTimeout < time.Second {
		cfg.BlockTimeout = DefaultRedisBlockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisTransport{
		client:       client,
		prefix:       cfg.Prefix,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
	}
}

func (t *RedisTransport) queueKey(name domain.QueueName) string {
	return t.prefix + "queue:" + string(name)
}

func (t *RedisTransport) processingKey(name domain.QueueName) string {
	return t.queueKey(name) + ":processing"
}

func (t *RedisTransport) deadKey(name domain.QueueName) string {
	return t.queueKey(name) + ":dead"
}

// Publish кладёт envelope в очередь.
func (t *RedisTransport) Publish(ctx context.Context, env Envelope) error {
	if t.closed.Load() {
		return ErrClosed
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.client.LPush(ctx, t.queueKey(env.QueueName), body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", env.QueueName, err)
	}

	t.logger.Debug("published envelope",
		"queue", env.QueueName,
		"correlation_id", env.ExecutionCorrelationID,
	)
	return nil
}

// Receive ждёт сообщение, блокируясь в BLMOVE.
func (t *RedisTransport) Receive(ctx context.Context, name domain.QueueName) (*Delivery, error) {
	src, processing := t.queueKey(name), t.processingKey(name)

	for {
		if t.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		body, err := t.client.BLMove(ctx, src, processing, "RIGHT", "LEFT", t.blockTimeout).Result()
		switch {
		case err == nil:
			var env Envelope
			if err := json.Unmarshal([]byte(body), &env); err != nil {
				t.logger.Error("failed to unmarshal envelope", "queue", name, "error", err, "body", body)
				t.moveToDead(ctx, name, body)
				continue
			}
			return t.delivery(name, env, body), nil

		case errors.Is(err, redis.Nil):
			// BlockTimeout истёк, очередь пуста

		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// read deadline соединения мог сработать раньше таймера ctx
			if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
				return nil, context.DeadlineExceeded
			}
			return nil, fmt.Errorf("receive from %s: %w", name, err)
		}
	}
}

func (t *RedisTransport) delivery(name domain.QueueName, env Envelope, body string) *Delivery {
	processing := t.processingKey(name)

	return NewDelivery(env,
		func() error {
			// подтверждение не должно зависеть от отменённого ctx получателя
			ctx := context.Background()
			if err := t.client.LRem(ctx, processing, 1, body).Err(); err != nil {
				return fmt.Errorf("ack %s: %w", env.ExecutionCorrelationID, err)
			}
			return nil
		},
		func(requeue bool) error {
			ctx := context.Background()
			_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, processing, 1, body)
				if requeue {
					// справа — значит следующим
					pipe.RPush(ctx, t.queueKey(name), body)
				} else {
					pipe.LPush(ctx, t.deadKey(name), body)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("nack %s: %w", env.ExecutionCorrelationID, err)
			}
			return nil
		},
	)
}

func (t *RedisTransport) moveToDead(ctx context.Context, name domain.QueueName, body string) {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, t.processingKey(name), 1, body)
		pipe.LPush(ctx, t.deadKey(name), body)
		return nil
	})
	if err != nil {
		t.logger.Error("failed to dead-letter envelope", "queue", name, "error", err)
	}
}

// RecoverQueues возвращает в очереди сообщения, оставшиеся в processing
// после падения координатора между BLMOVE и Ack. Вызывается при старте.
//
// Если сообщение на самом деле ещё обрабатывается другим координатором,
// повторная доставка безопасна: Poll подтверждает и пропускает envelope,
// чей job уже не QUEUED или чей токен устарел.
func (t *RedisTransport) RecoverQueues(ctx context.Context, queues []domain.QueueName) (int, error) {
	total := 0
	for _, name := range queues {
		n, err := t.RecoverProcessing(ctx, name)
		total += n
		if err != nil {
			return total, err
		}
		if n > 0 {
			t.logger.Warn("recovered unacknowledged envelopes", "queue", name, "count", n)
		}
	}
	return total, nil
}

// RecoverProcessing возвращает в очередь name все неподтверждённые сообщения.
func (t *RedisTransport) RecoverProcessing(ctx context.Context, name domain.QueueName) (int, error) {
	n := 0
	for {
		_, err := t.client.LMove(ctx, t.processingKey(name), t.queueKey(name), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", name, err)
		}
		n++
	}
}

// Len возвращает длину очереди.
func (t *RedisTransport) Len(ctx context.Context, name domain.QueueName) (int64, error) {
	return t.client.LLen(ctx, t.queueKey(name)).Result()
}

// Close помечает транспорт закрытым. Клиент закрывает владелец.
func (t *RedisTransport) Close() error {
	t.closed.Store(true)
	return nil
}
