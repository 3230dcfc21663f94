package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Dispatch/internal/domain"
)

// DefaultRedisPrefix — префикс ключей по умолчанию.
const DefaultRedisPrefix = "dispatch:"

// RedisJobRepo — хранилище jobs в Redis.
//
// Запись job — JSON в ключе <prefix>job:<id>. Выборки для sweeper
// идут по sorted set индексам (score — unix-микросекунды):
//
//	<prefix>jobs:all     — created_at, все jobs
//	<prefix>jobs:leases  — lease_expires_at, CLAIMED/RUNNING
//	<prefix>jobs:retries — retry_at, FAILED с запланированным retry
//	<prefix>jobs:queued  — updated_at, QUEUED
//
// Update выполняется через WATCH/MULTI: параллельная запись
// даёт ErrConflict.
type RedisJobRepo struct {
	client *redis.Client
	prefix string
}

// NewRedisJobRepo создаёт репозиторий поверх клиента.
func NewRedisJobRepo(client *redis.Client, prefix string) *RedisJobRepo {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisJobRepo{client: client, prefix: prefix}
}

// Remote сообщает координатору, что хранилище за сетью.
func (r *RedisJobRepo) Remote() bool { return true }

func (r *RedisJobRepo) jobKey(id string) string { return r.prefix + "job:" + id }
func (r *RedisJobRepo) allKey() string          { return r.prefix + "jobs:all" }
func (r *RedisJobRepo) leasesKey() string       { return r.prefix + "jobs:leases" }
func (r *RedisJobRepo) retriesKey() string      { return r.prefix + "jobs:retries" }
func (r *RedisJobRepo) queuedKey() string       { return r.prefix + "jobs:queued" }

// Create сохраняет новый job. Revision выставляется в 1.
func (r *RedisJobRepo) Create(ctx context.Context, job *domain.Job) error {
	key := r.jobKey(job.ExecutionCorrelationID)

	stored := job.Clone()
	stored.Revision = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, r.allKey(), redis.Z{Score: score(stored.CreatedAt), Member: stored.ExecutionCorrelationID})
			r.index(ctx, pipe, stored)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	job.Revision = 1
	return nil
}

// Get возвращает job по correlation id.
func (r *RedisJobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	return r.load(ctx, r.client, id)
}

// Update сохраняет job при совпадении revision.
func (r *RedisJobRepo) Update(ctx context.Context, job *domain.Job) error {
	key := r.jobKey(job.ExecutionCorrelationID)

	next := job.Clone()
	next.Revision = job.Revision + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, job.ExecutionCorrelationID)
		if err != nil {
			return err
		}
		if current.Revision != job.Revision {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			r.index(ctx, pipe, next)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	job.Revision = next.Revision
	return nil
}

// index приводит sweeper-индексы в соответствие со статусом job.
func (r *RedisJobRepo) index(ctx context.Context, pipe redis.Pipeliner, job *domain.Job) {
	id := job.ExecutionCorrelationID

	if job.Status.IsLeased() && job.LeaseExpiresAt != nil {
		pipe.ZAdd(ctx, r.leasesKey(), redis.Z{Score: score(*job.LeaseExpiresAt), Member: id})
	} else {
		pipe.ZRem(ctx, r.leasesKey(), id)
	}

	if job.Status == domain.JobStatusFailed && job.RetryAt != nil {
		pipe.ZAdd(ctx, r.retriesKey(), redis.Z{Score: score(*job.RetryAt), Member: id})
	} else {
		pipe.ZRem(ctx, r.retriesKey(), id)
	}

	if job.Status == domain.JobStatusQueued {
		pipe.ZAdd(ctx, r.queuedKey(), redis.Z{Score: score(job.UpdatedAt), Member: id})
	} else {
		pipe.ZRem(ctx, r.queuedKey(), id)
	}
}

// List возвращает jobs по фильтру, новые первыми.
func (r *RedisJobRepo) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	const batch = 200
	limit := filter.limit()

	var out []*domain.Job
	for start := int64(0); len(out) < limit; start += batch {
		ids, err := r.client.ZRevRange(ctx, r.allKey(), start, start+batch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("list job ids: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		jobs, err := r.loadMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if filter.matches(job) {
				out = append(out, job)
				if len(out) == limit {
					break
				}
			}
		}
	}
	return out, nil
}

// ListExpiredLeases возвращает CLAIMED/RUNNING jobs с истёкшим lease.
func (r *RedisJobRepo) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return r.rangeUntil(ctx, r.leasesKey(), now, limit, func(j *domain.Job) bool {
		return j.LeaseExpired(now)
	})
}

// ListDueRetries возвращает FAILED jobs, у которых наступил RetryAt.
func (r *RedisJobRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return r.rangeUntil(ctx, r.retriesKey(), now, limit, func(j *domain.Job) bool {
		return j.Status == domain.JobStatusFailed && j.RetryAt != nil && !now.Before(*j.RetryAt)
	})
}

// ListStaleQueued возвращает QUEUED jobs, не обновлявшиеся с before.
func (r *RedisJobRepo) ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	return r.rangeUntil(ctx, r.queuedKey(), before, limit, func(j *domain.Job) bool {
		return j.Status == domain.JobStatusQueued && j.UpdatedAt.Before(before)
	})
}

// rangeUntil читает индекс до момента until. Score округлён до микросекунд,
// поэтому кандидаты перепроверяются точным предикатом.
func (r *RedisJobRepo) rangeUntil(ctx context.Context, key string, until time.Time, limit int, match func(*domain.Job) bool) ([]*domain.Job, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(until.UnixMicro(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}

	jobs, err := r.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := jobs[:0]
	for _, job := range jobs {
		if match(job) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (r *RedisJobRepo) load(ctx context.Context, c stringGetter, id string) (*domain.Job, error) {
	data, err := c.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (r *RedisJobRepo) loadMany(ctx context.Context, ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// запись удалена между чтением индекса и MGET
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// stringGetter — общее у *redis.Client и *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}
