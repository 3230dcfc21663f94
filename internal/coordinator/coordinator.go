package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/mq"
	"github.com/shaiso/Dispatch/internal/repo"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

// Default configuration values.
const (
	DefaultLeaseTimeout   = 5 * time.Minute
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultSweepInterval  = 5 * time.Second
	DefaultRedeliverAfter = 5 * time.Minute
	DefaultPollTimeout    = 20 * time.Second
	defaultBatchSize      = 100
	maxConflictRetries    = 5
)

// Coordinator — авторитетный владелец записей jobs.
type Coordinator struct {
	store     JobStore
	transport mq.Transport
	locks     *keyLock // nil для RemoteStore

	leaseTimeout   time.Duration
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	autoRetry      bool
	sweepInterval  time.Duration
	redeliverAfter time.Duration
	pollTimeout    time.Duration
	batchSize      int
	workerTokens   [][]byte
	now            func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Coordinator.
type Config struct {
	Store     JobStore
	Transport mq.Transport

	// LeaseTimeout — окно, в течение которого claim считается живым (default: 5m).
	LeaseTimeout time.Duration

	// MaxRetries — лимит requeue по умолчанию (default: 3).
	// Отрицательное значение означает 0.
	MaxRetries *int

	// InitialBackoff, MaxBackoff — экспоненциальная задержка авто-retry (default: 1s..60s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// AutoRetry — планировать retry для FAILED автоматически.
	AutoRetry bool

	// SweepInterval — период sweeper (default: 5s).
	SweepInterval time.Duration

	// RedeliverAfter — через сколько QUEUED job переотправляется в брокер (default: 5m).
	RedeliverAfter time.Duration

	// PollTimeout — таймаут Poll по умолчанию (default: 20s).
	PollTimeout time.Duration

	// BatchSize — сколько jobs обрабатывает один проход sweeper (default: 100).
	BatchSize int

	// WorkerTokens — принимаемые credentials воркеров.
	// Пустой список — Poll открыт для всех.
	WorkerTokens []string

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		store:          cfg.Store,
		transport:      cfg.Transport,
		leaseTimeout:   cfg.LeaseTimeout,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		autoRetry:      cfg.AutoRetry,
		sweepInterval:  cfg.SweepInterval,
		redeliverAfter: cfg.RedeliverAfter,
		pollTimeout:    cfg.PollTimeout,
		batchSize:      cfg.BatchSize,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}

	if c.leaseTimeout <= 0 {
		c.leaseTimeout = DefaultLeaseTimeout
	}
	if cfg.MaxRetries != nil {
		c.maxRetries = max(*cfg.MaxRetries, 0)
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = DefaultSweepInterval
	}
	if c.redeliverAfter <= 0 {
		c.redeliverAfter = DefaultRedeliverAfter
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = DefaultPollTimeout
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if !isRemote(c.store) {
		c.locks = newKeyLock()
	}

	for _, t := range cfg.WorkerTokens {
		if t != "" {
			c.workerTokens = append(c.workerTokens, []byte(t))
		}
	}
	if len(c.workerTokens) == 0 {
		c.logger.Warn("no worker tokens configured, poll is open to any caller")
	}

	return c
}

// Start запускает sweeper.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.logger.Info("starting coordinator",
		"lease_timeout", c.leaseTimeout,
		"max_retries", c.maxRetries,
		"auto_retry", c.autoRetry,
		"sweep_interval", c.sweepInterval,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweepLoop(ctx)
	}()

	return nil
}

// Stop останавливает sweeper и ждёт его завершения.
func (c *Coordinator) Stop() {
	c.logger.Info("stopping coordinator...")

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()

	c.logger.Info("coordinator stopped")
}

// Get возвращает view job.
func (c *Coordinator) Get(ctx context.Context, id string) (domain.JobView, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return domain.JobView{}, storeError(err)
	}
	return job.View(), nil
}

// List возвращает views jobs по фильтру.
func (c *Coordinator) List(ctx context.Context, filter repo.JobFilter) ([]domain.JobView, error) {
	jobs, err := c.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	views := make([]domain.JobView, len(jobs))
	for i, job := range jobs {
		views[i] = job.View()
	}
	return views, nil
}

// mutation — что сделать с job после изменения.
type mutation int

const (
	noChange mutation = iota
	save
	saveAndPublish
)

// mutateFunc изменяет свежую копию job. Может вызываться повторно
// при конфликте revision, поэтому не должна иметь побочных эффектов.
// Ошибка возвращается вызывающему после сохранения, если mutation != noChange.
type mutateFunc func(job *domain.Job) (mutation, error)

// mutate выполняет read-modify-write job под блокировкой ключа.
// Публикация (saveAndPublish) происходит после снятия блокировки.
func (c *Coordinator) mutate(ctx context.Context, id string, fn mutateFunc) (*domain.Job, error) {
	job, m, err := c.mutateLocked(ctx, id, fn)
	if m == saveAndPublish {
		c.publish(ctx, job)
	}
	return job, err
}

// mutateLocked возвращает итоговую mutation: noChange, если ничего не сохранено.
// Блокировка ключа берётся только для локальных хранилищ (locks != nil).
func (c *Coordinator) mutateLocked(ctx context.Context, id string, fn mutateFunc) (*domain.Job, mutation, error) {
	if c.locks != nil {
		unlock := c.locks.Lock(id)
		defer unlock()
	}

	for attempt := 0; ; attempt++ {
		job, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, noChange, storeError(err)
		}

		m, fnErr := fn(job)
		if m == noChange {
			return job, noChange, fnErr
		}

		err = c.store.Update(ctx, job)
		if errors.Is(err, repo.ErrConflict) && attempt < maxConflictRetries {
			// запись изменил другой процесс
			continue
		}
		if err != nil {
			return nil, noChange, storeError(err)
		}
		return job, m, fnErr
	}
}

// publish отправляет envelope в брокер. Ошибка не возвращается:
// QUEUED job будет переотправлен sweeper'ом через RedeliverAfter.
func (c *Coordinator) publish(ctx context.Context, job *domain.Job) {
	if err := c.transport.Publish(ctx, mq.EnvelopeFromJob(job)); err != nil {
		telemetry.WithCorrelationID(c.logger, job.ExecutionCorrelationID).Error("failed to publish job",
			"queue", job.QueueName,
			"error", err,
		)
	}
}

func storeError(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("job store: %w", err)
}
