package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/shaiso/Dispatch/internal/coordinator"
	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/repo"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

const (
	// DefaultInterval — период тиков по умолчанию.
	DefaultInterval = time.Second

	defaultBatchSize = 100
)

// Ключи run context, которые scheduler добавляет в каждый job.
const (
	RunContextScheduleID  = "schedule_id"
	RunContextScheduledAt = "scheduled_at"
)

// ScheduleStore — хранилище schedules.
type ScheduleStore interface {
	Create(ctx context.Context, s *domain.Schedule) error
	Get(ctx context.Context, id string) (*domain.Schedule, error)
	List(ctx context.Context, filter repo.ScheduleFilter) ([]*domain.Schedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error)
	Update(ctx context.Context, s *domain.Schedule) error
	Delete(ctx context.Context, id string) error
}

// Enqueuer ставит job в очередь. Реализуется *coordinator.Coordinator.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue domain.QueueName, payload json.RawMessage, opts ...coordinator.EnqueueOption) (string, error)
}

// LeaderElector решает, какой экземпляр координатора выполняет тики.
// Реализуется *repo.AdvisoryLock.
type LeaderElector interface {
	IsLeader(ctx context.Context) (bool, error)
}

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	store     ScheduleStore
	enqueuer  Enqueuer
	elector   LeaderElector
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time

	// mu сериализует Tick и изменения schedules через сервисные методы.
	mu sync.Mutex

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Scheduler.
type Config struct {
	Store    ScheduleStore
	Enqueuer Enqueuer
	Logger   *slog.Logger

	// Elector — опционально; без него тики выполняет каждый экземпляр.
	Elector LeaderElector

	// Interval — период тиков (default: 1s).
	Interval time.Duration

	// BatchSize — количество schedules за один тик (default: 100).
	BatchSize int

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		store:     cfg.Store,
		enqueuer:  cfg.Enqueuer,
		elector:   cfg.Elector,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       now,
	}
}

// Start запускает цикл тиков в фоне.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop останавливает цикл и ждёт завершения текущего тика.
func (s *Scheduler) Stop() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	leader := false
	for {
		if s.lead(ctx, &leader) {
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// lead проверяет лидерство и логирует его смену.
func (s *Scheduler) lead(ctx context.Context, was *bool) bool {
	if s.elector == nil {
		return true
	}
	ok, err := s.elector.IsLeader(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("leader election failed", "error", err)
		}
		ok = false
	}
	if ok != *was {
		s.logger.Info("scheduler leadership changed", "leader", ok)
		*was = ok
	}
	return ok
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled=true, next_due_at <= now)
// 2. Для каждого ставит job в очередь
// 3. Обновляет next_due_at
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	schedules, err := s.store.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var enqueued int
	for _, sched := range schedules {
		if err := s.processSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			continue
		}
		enqueued++
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"jobs_enqueued", enqueued,
	)

	return nil
}

// processSchedule ставит один job и сдвигает next_due_at.
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	// Следующее время считаем до Enqueue: некорректный schedule
	// не должен ставить job на каждом тике.
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		return fmt.Errorf("calculate next due: %w", err)
	}

	rc := make(map[string]string, len(sched.RunContext)+2)
	maps.Copy(rc, sched.RunContext)
	rc[RunContextScheduleID] = sched.ID
	rc[RunContextScheduledAt] = sched.NextDueAt.UTC().Format(time.RFC3339)

	opts := []coordinator.EnqueueOption{coordinator.WithRunContext(rc)}
	if sched.MaxRetries != nil {
		opts = append(opts, coordinator.WithMaxRetries(*sched.MaxRetries))
	}

	jobID, err := s.enqueuer.Enqueue(ctx, sched.QueueName, sched.Payload, opts...)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.SchedulesFired.WithLabelValues(sched.QueueName.String()).Inc()

	s.logger.Info("enqueued job from schedule",
		"correlation_id", jobID,
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"queue", sched.QueueName,
		"next_due_at", nextDue,
	)

	sched.RecordRun(jobID, nextDue, now)
	if err := s.store.Update(ctx, sched); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return nil
}
