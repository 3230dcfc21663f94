package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/repo"
)

// Create проверяет schedule, вычисляет первое время постановки и сохраняет его.
func (s *Scheduler) Create(ctx context.Context, sched *domain.Schedule) error {
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if err := Validate(sched); err != nil {
		return err
	}

	now := s.now()
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		return err
	}
	sched.NextDueAt = &nextDue
	sched.CreatedAt = now
	sched.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Create(ctx, sched); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}

	s.logger.Info("schedule created",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"queue", sched.QueueName,
		"next_due_at", nextDue,
	)
	return nil
}

// Get возвращает schedule по ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	return sched, nil
}

// List возвращает schedules по фильтру.
func (s *Scheduler) List(ctx context.Context, filter repo.ScheduleFilter) ([]*domain.Schedule, error) {
	schedules, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, nil
}

// Delete удаляет schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return storeError(err)
	}
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// SetEnabled включает или выключает schedule.
// При включении next_due_at пересчитывается от текущего времени,
// чтобы не ставить пропущенные за время простоя jobs.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if sched.Enabled == enabled {
		return sched, nil
	}

	now := s.now()
	if enabled {
		nextDue, err := CalculateNextDue(sched, now)
		if err != nil {
			return nil, err
		}
		sched.NextDueAt = &nextDue
	}
	sched.Enabled = enabled
	sched.UpdatedAt = now

	if err := s.store.Update(ctx, sched); err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("schedule updated", "schedule_id", id, "enabled", enabled)
	return sched, nil
}

func storeError(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("schedule store: %w", err)
}
