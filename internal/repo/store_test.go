package repo

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/testutil"
)

// jobStore — общий контракт всех реализаций.
type jobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error)
}

var (
	_ jobStore = (*MemoryJobRepo)(nil)
	_ jobStore = (*JobRepo)(nil)
	_ jobStore = (*SQLiteJobRepo)(nil)
	_ jobStore = (*RedisJobRepo)(nil)
)

func TestMemoryJobRepo(t *testing.T) {
	runStoreTests(t, func(t *testing.T) jobStore {
		return NewMemoryJobRepo()
	})
}

func TestSQLiteJobRepo(t *testing.T) {
	runStoreTests(t, func(t *testing.T) jobStore {
		store, db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return store
	})
}

func TestRedisJobRepo(t *testing.T) {
	runStoreTests(t, func(t *testing.T) jobStore {
		server, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(server.Close)

		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisJobRepo(client, "test:")
	})
}

func TestPostgresJobRepo(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewJobRepo(pool)
	require.NoError(t, store.EnsureSchema(ctx))

	runStoreTests(t, func(t *testing.T) jobStore {
		_, err := pool.Exec(ctx, "TRUNCATE TABLE jobs")
		require.NoError(t, err)
		return store
	})
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) jobStore) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("UpdateRevision", func(t *testing.T) { testUpdateRevision(t, newStore(t)) })
	t.Run("ExpiredLeases", func(t *testing.T) { testExpiredLeases(t, newStore(t)) })
	t.Run("DueRetries", func(t *testing.T) { testDueRetries(t, newStore(t)) })
	t.Run("StaleQueued", func(t *testing.T) { testStaleQueued(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
}

// baseTime округлён до миллисекунд: PostgreSQL хранит микросекунды.
func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newTestJob(queue domain.QueueName, now time.Time) *domain.Job {
	job := domain.NewJob(queue, json.RawMessage(`{"step_type":"delay"}`), 3, now)
	job.RunContext = map[string]string{"flow_id": "f-1"}
	return job
}

func testCreateGet(t *testing.T, store jobStore) {
	ctx := context.Background()
	now := baseTime()

	job := newTestJob(domain.QueueExecutor, now)
	require.NoError(t, store.Create(ctx, job))
	assert.Equal(t, int64(1), job.Revision)

	got, err := store.Get(ctx, job.ExecutionCorrelationID)
	require.NoError(t, err)
	assert.Equal(t, job.ExecutionCorrelationID, got.ExecutionCorrelationID)
	assert.Equal(t, domain.QueueExecutor, got.QueueName)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, job.Token, got.Token)
	assert.Equal(t, job.EngineToken, got.EngineToken)
	assert.JSONEq(t, `{"step_type":"delay"}`, string(got.Payload))
	assert.Equal(t, map[string]string{"flow_id": "f-1"}, got.RunContext)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, int64(1), got.Revision)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.Nil(t, got.LeaseExpiresAt)

	err = store.Create(ctx, job)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testUpdateRevision(t *testing.T, store jobStore) {
	ctx := context.Background()
	now := baseTime()

	job := newTestJob(domain.QueueWebhooks, now)
	require.NoError(t, store.Create(ctx, job))

	first, err := store.Get(ctx, job.ExecutionCorrelationID)
	require.NoError(t, err)
	second, err := store.Get(ctx, job.ExecutionCorrelationID)
	require.NoError(t, err)

	first.MarkClaimed("worker-1", time.Minute, now)
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, int64(2), first.Revision)

	// вторая копия устарела
	second.MarkClaimed("worker-2", time.Minute, now)
	assert.ErrorIs(t, store.Update(ctx, second), ErrConflict)

	got, err := store.Get(ctx, job.ExecutionCorrelationID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusClaimed, got.Status)
	assert.Equal(t, "worker-1", got.WorkerID)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.Equal(now.Add(time.Minute)))

	got.MarkCompleted("done", json.RawMessage(`{"ok":true}`), now)
	require.NoError(t, store.Update(ctx, got))

	final, err := store.Get(ctx, job.ExecutionCorrelationID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.JSONEq(t, `{"ok":true}`, string(final.Output))
	assert.NotNil(t, final.FinishedAt)
	assert.Equal(t, int64(3), final.Revision)

	missing := newTestJob(domain.QueueWebhooks, now)
	missing.Revision = 1
	assert.ErrorIs(t, store.Update(ctx, missing), ErrNotFound)
}

func testExpiredLeases(t *testing.T, store jobStore) {
	ctx := context.Background()
	now := baseTime()

	expired := newTestJob(domain.QueueExecutor, now)
	require.NoError(t, store.Create(ctx, expired))
	expired.MarkClaimed("w", time.Second, now.Add(-time.Minute))
	require.NoError(t, store.Update(ctx, expired))

	running := newTestJob(domain.QueueExecutor, now)
	require.NoError(t, store.Create(ctx, running))
	running.MarkClaimed("w", time.Second, now.Add(-time.Minute))
	running.MarkRunning("", time.Second, now.Add(-30*time.Second))
	require.NoError(t, store.Update(ctx, running))

	alive := newTestJob(domain.QueueExecutor, now)
	require.NoError(t, store.Create(ctx, alive))
	alive.MarkClaimed("w", time.Hour, now)
	require.NoError(t, store.Update(ctx, alive))

	queued := newTestJob(domain.QueueExecutor, now)
	require.NoError(t, store.Create(ctx, queued))

	jobs, err := store.ListExpiredLeases(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, expired.ExecutionCorrelationID, jobs[0].ExecutionCorrelationID)
	assert.Equal(t, running.ExecutionCorrelationID, jobs[1].ExecutionCorrelationID)

	jobs, err = store.ListExpiredLeases(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// после завершения job пропадает из выборки
	expired.MarkCompleted("", nil, now)
	require.NoError(t, store.Update(ctx, expired))
	jobs, err = store.ListExpiredLeases(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, running.ExecutionCorrelationID, jobs[0].ExecutionCorrelationID)
}

func testDueRetries(t *testing.T, store jobStore) {
	ctx := context.Background()
	now := baseTime()

	due := newTestJob(domain.QueueScheduled, now)
	require.NoError(t, store.Create(ctx, due))
	due.MarkClaimed("w", time.Minute, now)
	past := now.Add(-time.Second)
	due.MarkFailed("boom", nil, &past, now)
	require.NoError(t, store.Update(ctx, due))

	later := newTestJob(domain.QueueScheduled, now)
	require.NoError(t, store.Create(ctx, later))
	later.MarkClaimed("w", time.Minute, now)
	future := now.Add(time.Hour)
	later.MarkFailed("boom", nil, &future, now)
	require.NoError(t, store.Update(ctx, later))

	manual := newTestJob(domain.QueueScheduled, now)
	require.NoError(t, store.Create(ctx, manual))
	manual.MarkClaimed("w", time.Minute, now)
	manual.MarkFailed("boom", nil, nil, now)
	require.NoError(t, store.Update(ctx, manual))

	jobs, err := store.ListDueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ExecutionCorrelationID, jobs[0].ExecutionCorrelationID)
	assert.Equal(t, "boom", jobs[0].Message)
}

func testStaleQueued(t *testing.T, store jobStore) {
	ctx := context.Background()
	now := baseTime()

	stale := newTestJob(domain.QueueUserInteraction, now.Add(-time.Hour))
	require.NoError(t, store.Create(ctx, stale))

	fresh := newTestJob(domain.QueueUserInteraction, now)
	require.NoError(t, store.Create(ctx, fresh))

	claimed := newTestJob(domain.QueueUserInteraction, now.Add(-time.Hour))
	require.NoError(t, store.Create(ctx, claimed))
	claimed.MarkClaimed("w", time.Minute, now.Add(-time.Hour))
	require.NoError(t, store.Update(ctx, claimed))

	jobs, err := store.ListStaleQueued(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ExecutionCorrelationID, jobs[0].ExecutionCorrelationID)
}

func testList(t *testing.T, store jobStore) {
	ctx := context.Background()
	now := baseTime()

	var ids []string
	for i := 0; i < 3; i++ {
		job := newTestJob(domain.QueueExecutor, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Create(ctx, job))
		ids = append(ids, job.ExecutionCorrelationID)
	}
	other := newTestJob(domain.QueueWebhooks, now)
	require.NoError(t, store.Create(ctx, other))

	jobs, err := store.List(ctx, JobFilter{Queue: domain.QueueExecutor})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	// новые первыми
	assert.Equal(t, ids[2], jobs[0].ExecutionCorrelationID)
	assert.Equal(t, ids[0], jobs[2].ExecutionCorrelationID)

	jobs, err = store.List(ctx, JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = store.List(ctx, JobFilter{Queue: domain.QueueWebhooks, Status: domain.JobStatusQueued})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, other.ExecutionCorrelationID, jobs[0].ExecutionCorrelationID)

	jobs, err = store.List(ctx, JobFilter{Status: domain.JobStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
