package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
)

// MemoryJobRepo — хранилище jobs в памяти процесса.
// Используется в тестах и при STORE_DRIVER=memory.
type MemoryJobRepo struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewMemoryJobRepo создаёт пустое хранилище.
func NewMemoryJobRepo() *MemoryJobRepo {
	return &MemoryJobRepo{jobs: make(map[string]*domain.Job)}
}

// Create сохраняет новый job. Revision выставляется в 1.
func (r *MemoryJobRepo) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ExecutionCorrelationID]; exists {
		return ErrAlreadyExists
	}
	job.Revision = 1
	r.jobs[job.ExecutionCorrelationID] = job.Clone()
	return nil
}

// Get возвращает копию job.
func (r *MemoryJobRepo) Get(_ context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Update сохраняет job, если его Revision совпадает с сохранённым.
// При успехе Revision увеличивается.
func (r *MemoryJobRepo) Update(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[job.ExecutionCorrelationID]
	if !ok {
		return ErrNotFound
	}
	if stored.Revision != job.Revision {
		return ErrConflict
	}
	job.Revision++
	r.jobs[job.ExecutionCorrelationID] = job.Clone()
	return nil
}

// List возвращает jobs по фильтру, новые первыми.
func (r *MemoryJobRepo) List(_ context.Context, filter JobFilter) ([]*domain.Job, error) {
	jobs := r.collect(filter.matches)
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return truncate(jobs, filter.limit()), nil
}

// ListExpiredLeases возвращает CLAIMED/RUNNING jobs с истёкшим lease.
func (r *MemoryJobRepo) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	jobs := r.collect(func(j *domain.Job) bool {
		return j.LeaseExpired(now)
	})
	sortByTime(jobs, func(j *domain.Job) time.Time { return *j.LeaseExpiresAt })
	return truncate(jobs, limit), nil
}

// ListDueRetries возвращает FAILED jobs, у которых наступил RetryAt.
func (r *MemoryJobRepo) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	jobs := r.collect(func(j *domain.Job) bool {
		return j.Status == domain.JobStatusFailed && j.RetryAt != nil && !now.Before(*j.RetryAt)
	})
	sortByTime(jobs, func(j *domain.Job) time.Time { return *j.RetryAt })
	return truncate(jobs, limit), nil
}

// ListStaleQueued возвращает QUEUED jobs, не обновлявшиеся с before.
func (r *MemoryJobRepo) ListStaleQueued(_ context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	jobs := r.collect(func(j *domain.Job) bool {
		return j.Status == domain.JobStatusQueued && j.UpdatedAt.Before(before)
	})
	sortByTime(jobs, func(j *domain.Job) time.Time { return j.UpdatedAt })
	return truncate(jobs, limit), nil
}

func (r *MemoryJobRepo) collect(match func(*domain.Job) bool) []*domain.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Job
	for _, job := range r.jobs {
		if match(job) {
			out = append(out, job.Clone())
		}
	}
	return out
}

func sortByTime(jobs []*domain.Job, key func(*domain.Job) time.Time) {
	sort.Slice(jobs, func(i, j int) bool {
		return key(jobs[i]).Before(key(jobs[j]))
	})
}

func truncate(jobs []*domain.Job, limit int) []*domain.Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}
