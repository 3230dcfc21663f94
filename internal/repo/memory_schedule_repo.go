package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
)

// MemoryScheduleRepo — хранилище schedules в памяти процесса.
type MemoryScheduleRepo struct {
	mu        sync.RWMutex
	schedules map[string]*domain.Schedule
}

// NewMemoryScheduleRepo создаёт пустое хранилище.
func NewMemoryScheduleRepo() *MemoryScheduleRepo {
	return &MemoryScheduleRepo{schedules: make(map[string]*domain.Schedule)}
}

// Create сохраняет новый schedule.
func (r *MemoryScheduleRepo) Create(_ context.Context, s *domain.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schedules[s.ID]; exists {
		return ErrAlreadyExists
	}
	r.schedules[s.ID] = s.Clone()
	return nil
}

// Get возвращает копию schedule.
func (r *MemoryScheduleRepo) Get(_ context.Context, id string) (*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// List возвращает schedules по фильтру, новые первыми.
func (r *MemoryScheduleRepo) List(_ context.Context, filter ScheduleFilter) ([]*domain.Schedule, error) {
	out := r.collect(filter.matches)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

// ListDue возвращает включённые schedules с наступившим NextDueAt.
func (r *MemoryScheduleRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	out := r.collect(func(s *domain.Schedule) bool { return s.IsDue(now) })
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextDueAt.Before(*out[j].NextDueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update заменяет schedule.
func (r *MemoryScheduleRepo) Update(_ context.Context, s *domain.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	r.schedules[s.ID] = s.Clone()
	return nil
}

// Delete удаляет schedule.
func (r *MemoryScheduleRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(r.schedules, id)
	return nil
}

func (r *MemoryScheduleRepo) collect(match func(*domain.Schedule) bool) []*domain.Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Schedule
	for _, s := range r.schedules {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	return out
}
