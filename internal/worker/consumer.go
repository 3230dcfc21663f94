package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
)

// PollOptions — параметры Session.Poll.
type PollOptions struct {
	// Token — credential воркера.
	Token string

	// Timeout — сколько ждать job. 0 — таймаут координатора.
	Timeout time.Duration
}

// BackendPollOptions — параметры Poll на стороне backend.
type BackendPollOptions struct {
	Token    string
	WorkerID string
	Timeout  time.Duration
}

// Backend — соединение с координатором.
type Backend interface {
	// Poll ждёт job. nil, nil — за таймаут ничего не пришло.
	Poll(ctx context.Context, queue domain.QueueName, opts BackendPollOptions) (*domain.Claim, error)

	// Update сообщает переход статуса. ErrUnauthorized — токен устарел.
	Update(ctx context.Context, upd domain.StatusUpdate) error

	// ExecutionCredential возвращает engine token текущей попытки.
	ExecutionCredential(ctx context.Context, id, token string) (string, error)

	Close() error
}

// Dialer открывает соединение с координатором.
type Dialer interface {
	Dial(ctx context.Context) (Backend, error)
}

// Consumer — клиентская сторона очереди.
//
// Init открывает сессию; пока сессия жива, повторный Init возвращает её же.
// После Close сессии следующий Init открывает новую.
type Consumer struct {
	dialer   Dialer
	workerID string
	logger   *slog.Logger

	mu      sync.Mutex
	session *Session
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Dialer   Dialer
	WorkerID string
	Logger   *slog.Logger
}

// NewConsumer создаёт Consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		dialer:   cfg.Dialer,
		workerID: cfg.WorkerID,
		logger:   logger,
	}
}

// Init возвращает живую сессию, открывая новую при необходимости.
func (c *Consumer) Init(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && !c.session.Closed() {
		return c.session, nil
	}
	if c.dialer == nil {
		return nil, ErrNoDialer
	}

	backend, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	c.session = &Session{backend: backend, consumer: c, workerID: c.workerID}
	c.logger.Debug("consumer session opened", "worker_id", c.workerID)
	return c.session, nil
}

// Close закрывает текущую сессию, если она есть.
func (c *Consumer) Close() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}

func (c *Consumer) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.session = nil
	}
}

// Session — открытое соединение Consumer с координатором.
// Безопасна для использования из нескольких горутин.
type Session struct {
	backend  Backend
	consumer *Consumer
	workerID string

	closed atomic.Bool
}

// Poll ждёт job из очереди. nil, nil — за таймаут ничего не пришло.
// Результат содержит view job и токен попытки, но не engine token.
func (s *Session) Poll(ctx context.Context, queue domain.QueueName, opts PollOptions) (*domain.Claim, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.backend.Poll(ctx, queue, BackendPollOptions{
		Token:    opts.Token,
		WorkerID: s.workerID,
		Timeout:  opts.Timeout,
	})
}

// Update сообщает координатору переход статуса job.
func (s *Session) Update(ctx context.Context, upd domain.StatusUpdate) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.backend.Update(ctx, upd)
}

// ExecutionCredential запрашивает engine token для claim.
func (s *Session) ExecutionCredential(ctx context.Context, claim *domain.Claim) (string, error) {
	if s.closed.Load() {
		return "", ErrSessionClosed
	}
	return s.backend.ExecutionCredential(ctx, claim.Job.ExecutionCorrelationID, claim.Token)
}

// Closed возвращает true, если сессия закрыта.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close освобождает backend. Полученные, но не завершённые jobs
// не переводятся в FAILED: их вернёт в очередь истечение lease.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.consumer.forget(s)
	return s.backend.Close()
}
