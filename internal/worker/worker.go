package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/telemetry"
	"github.com/shaiso/Dispatch/internal/variable"
)

// Default configuration values.
const (
	defaultConcurrency       = 1
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectMin      = time.Second
	defaultReconnectMax      = 30 * time.Second
)

// Worker забирает jobs из очередей и выполняет шаги.
//
// Для каждой очереди запускается Concurrency циклов poll → RUNNING →
// выполнение → COMPLETED/FAILED. Все циклы используют одну сессию Consumer.
type Worker struct {
	consumer *Consumer
	registry *Registry
	resolver *variable.Resolver

	// Configuration
	workerID          string
	token             string
	queues            []domain.QueueName
	concurrency       int
	pollTimeout       time.Duration
	heartbeatInterval time.Duration
	reconnectMin      time.Duration
	reconnectMax      time.Duration

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// Dialer — подключение к координатору (LocalDialer или HTTPDialer).
	Dialer Dialer

	// WorkerID — идентификатор воркера, пишется в job при claim.
	WorkerID string

	// Token — credential воркера для Poll.
	Token string

	// Queues — очереди, которые обслуживает воркер (default: executor).
	Queues []domain.QueueName

	// Concurrency — число циклов poll на очередь (default: 1).
	Concurrency int

	// PollTimeout — таймаут одного Poll (0 — таймаут координатора).
	PollTimeout time.Duration

	// HeartbeatInterval — период продления lease во время выполнения (default: 30s).
	HeartbeatInterval time.Duration

	// ReconnectMin, ReconnectMax — backoff переподключения (default: 1s..30s).
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Executor registry (опционально; если nil — используется NewRegistry())
	Registry *Registry

	// Resolver (опционально; если nil — variable.NewResolver(nil))
	Resolver *variable.Resolver

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	w := &Worker{
		registry:          cfg.Registry,
		resolver:          cfg.Resolver,
		workerID:          cfg.WorkerID,
		token:             cfg.Token,
		queues:            cfg.Queues,
		concurrency:       cfg.Concurrency,
		pollTimeout:       cfg.PollTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		reconnectMin:      cfg.ReconnectMin,
		reconnectMax:      cfg.ReconnectMax,
		logger:            cfg.Logger,
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.registry == nil {
		w.registry = NewRegistry()
	}
	if w.resolver == nil {
		w.resolver = variable.NewResolver(nil)
	}
	if len(w.queues) == 0 {
		w.queues = []domain.QueueName{domain.QueueExecutor}
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = defaultHeartbeatInterval
	}
	if w.reconnectMin <= 0 {
		w.reconnectMin = defaultReconnectMin
	}
	if w.reconnectMax < w.reconnectMin {
		w.reconnectMax = max(defaultReconnectMax, w.reconnectMin)
	}

	w.consumer = NewConsumer(ConsumerConfig{
		Dialer:   cfg.Dialer,
		WorkerID: w.workerID,
		Logger:   w.logger,
	})

	return w
}

// Start запускает циклы poll для всех очередей.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"worker_id", w.workerID,
		"queues", w.queues,
		"concurrency", w.concurrency,
		"step_types", w.registry.Types(),
	)

	for _, queue := range w.queues {
		for i := 0; i < w.concurrency; i++ {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.loop(ctx, queue)
			}()
		}
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает циклы и закрывает сессию.
// Незавершённые jobs вернёт в очередь истечение lease.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	w.wg.Wait()

	if err := w.consumer.Close(); err != nil {
		w.logger.Error("failed to close consumer session", "error", err)
	}

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// loop — цикл poll одной очереди.
func (w *Worker) loop(ctx context.Context, queue domain.QueueName) {
	logger := telemetry.WithQueue(w.logger, queue.String())
	backoff := w.reconnectMin

	for ctx.Err() == nil {
		session, err := w.consumer.Init(ctx)
		if err != nil {
			logger.Error("failed to open consumer session", "error", err, "retry_in", backoff)
			backoff = w.wait(ctx, backoff)
			continue
		}

		claim, err := session.Poll(ctx, queue, PollOptions{Token: w.token, Timeout: w.pollTimeout})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrSessionClosed) {
				logger.Error("poll failed, reconnecting", "error", err, "retry_in", backoff)
				_ = session.Close()
				backoff = w.wait(ctx, backoff)
			}
			continue
		}
		backoff = w.reconnectMin

		if claim == nil {
			continue
		}

		w.process(ctx, session, claim)
	}
}

// wait ждёт d и возвращает следующий интервал backoff.
func (w *Worker) wait(ctx context.Context, d time.Duration) time.Duration {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return min(d*2, w.reconnectMax)
}
