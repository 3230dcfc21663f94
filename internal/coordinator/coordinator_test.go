package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/mq"
	"github.com/shaiso/Dispatch/internal/repo"
)

// --- helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	coord     *Coordinator
	store     *repo.MemoryJobRepo
	transport *mq.MemoryTransport
	clock     *fakeClock
}

func newTestEnv(t *testing.T, mods ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     repo.NewMemoryJobRepo(),
		transport: mq.NewMemoryTransport(),
		clock:     newFakeClock(),
	}
	t.Cleanup(func() { _ = env.transport.Close() })

	cfg := Config{
		Store:        env.store,
		Transport:    env.transport,
		LeaseTimeout: time.Minute,
		PollTimeout:  50 * time.Millisecond,
		Now:          env.clock.Now,
		Logger:       slog.New(slog.DiscardHandler),
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	env.coord = New(cfg)
	return env
}

func maxRetries(n int) func(*Config) {
	return func(cfg *Config) { cfg.MaxRetries = &n }
}

func (e *testEnv) enqueue(t *testing.T, opts ...EnqueueOption) string {
	t.Helper()
	id, err := e.coord.Enqueue(context.Background(), domain.QueueExecutor, json.RawMessage(`{"step_type":"delay"}`), opts...)
	require.NoError(t, err)
	return id
}

func (e *testEnv) poll(t *testing.T, workerID string) *domain.Claim {
	t.Helper()
	claim, err := e.coord.Poll(context.Background(), domain.QueueExecutor, PollOptions{WorkerID: workerID})
	require.NoError(t, err)
	require.NotNil(t, claim)
	return claim
}

func (e *testEnv) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func update(claim *domain.Claim, status domain.JobStatus) domain.StatusUpdate {
	return domain.StatusUpdate{
		ExecutionCorrelationID: claim.Job.ExecutionCorrelationID,
		QueueName:              claim.Job.QueueName,
		Status:                 status,
		Token:                  claim.Token,
	}
}

// --- Config ---

func TestNew_Defaults(t *testing.T) {
	c := New(Config{Logger: slog.New(slog.DiscardHandler)})

	assert.Equal(t, DefaultLeaseTimeout, c.leaseTimeout)
	assert.Equal(t, DefaultMaxRetries, c.maxRetries)
	assert.Equal(t, DefaultInitialBackoff, c.initialBackoff)
	assert.Equal(t, DefaultMaxBackoff, c.maxBackoff)
	assert.Equal(t, DefaultSweepInterval, c.sweepInterval)
	assert.Equal(t, DefaultRedeliverAfter, c.redeliverAfter)
	assert.Equal(t, DefaultPollTimeout, c.pollTimeout)
	assert.False(t, c.autoRetry)
	assert.Empty(t, c.workerTokens)
}

func TestNew_ZeroMaxRetries(t *testing.T) {
	env := newTestEnv(t, maxRetries(0))
	assert.Equal(t, 0, env.coord.maxRetries)
}

// --- Enqueue ---

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t)

	id := env.enqueue(t, WithRunContext(map[string]string{"run_id": "r1"}))

	job := env.job(t, id)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, domain.QueueExecutor, job.QueueName)
	assert.NotEmpty(t, job.Token)
	assert.NotEmpty(t, job.EngineToken)
	assert.NotEqual(t, job.Token, job.EngineToken)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
	assert.Equal(t, "r1", job.RunContext["run_id"])
	assert.JSONEq(t, `{"step_type":"delay"}`, string(job.Payload))

	assert.Equal(t, 1, env.transport.Len(domain.QueueExecutor))
}

func TestEnqueue_WithMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t, WithMaxRetries(7))
	assert.Equal(t, 7, env.job(t, id).MaxRetries)
}

func TestEnqueue_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.coord.Enqueue(ctx, domain.QueueName("nope"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)

	_, err = env.coord.Enqueue(ctx, domain.QueueExecutor, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	assert.Equal(t, 0, env.transport.Len(domain.QueueExecutor))
}

func TestEnqueue_ConcurrentDistinctIDs(t *testing.T) {
	env := newTestEnv(t)
	const n = 100

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := env.coord.Enqueue(context.Background(), domain.QueueWebhooks, json.RawMessage(`{}`))
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, env.transport.Len(domain.QueueWebhooks))
}

// --- Poll ---

func TestPoll_ClaimsJob(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)

	claim := env.poll(t, "worker-1")

	assert.Equal(t, id, claim.Job.ExecutionCorrelationID)
	assert.Equal(t, domain.JobStatusClaimed, claim.Job.Status)
	assert.Equal(t, 1, claim.Job.Attempt)
	assert.Equal(t, "worker-1", claim.Job.WorkerID)
	require.NotNil(t, claim.Job.LeaseExpiresAt)
	assert.Equal(t, env.clock.Now().Add(time.Minute), *claim.Job.LeaseExpiresAt)

	job := env.job(t, id)
	assert.Equal(t, job.Token, claim.Token)
	assert.NotEqual(t, job.EngineToken, claim.Token)
	assert.Equal(t, 0, env.transport.Len(domain.QueueExecutor))
}

func TestPoll_EmptyQueueTimesOut(t *testing.T) {
	env := newTestEnv(t)

	start := time.Now()
	claim, err := env.coord.Poll(context.Background(), domain.QueueExecutor, PollOptions{Timeout: 30 * time.Millisecond})

	require.NoError(t, err)
	assert.Nil(t, claim)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoll_Cancelled(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	claim, err := env.coord.Poll(ctx, domain.QueueExecutor, PollOptions{Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, claim)
}

func TestPoll_UnknownQueue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.coord.Poll(context.Background(), domain.QueueName("x"), PollOptions{})
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)
}

func TestPoll_WorkerToken(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.WorkerTokens = []string{"secret-a", "secret-b"} })
	env.enqueue(t)
	ctx := context.Background()

	_, err := env.coord.Poll(ctx, domain.QueueExecutor, PollOptions{Token: "wrong"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = env.coord.Poll(ctx, domain.QueueExecutor, PollOptions{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	claim, err := env.coord.Poll(ctx, domain.QueueExecutor, PollOptions{Token: "secret-b"})
	require.NoError(t, err)
	assert.NotNil(t, claim)
}

func TestPoll_SkipsStaleDelivery(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()

	job := env.job(t, id)
	stale := mq.EnvelopeFromJob(job)

	// дубликат того же сообщения и сообщение с чужим токеном
	require.NoError(t, env.transport.Publish(ctx, stale))
	forged := stale
	forged.Token = "forged"
	require.NoError(t, env.transport.Publish(ctx, forged))

	env.poll(t, "w1")

	claim, err := env.coord.Poll(ctx, domain.QueueExecutor, PollOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, claim)
	assert.Equal(t, 0, env.transport.Len(domain.QueueExecutor))
	assert.Equal(t, 1, env.job(t, id).Attempt)
}

func TestPoll_SkipsUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.transport.Publish(ctx, mq.Envelope{
		QueueName:              domain.QueueExecutor,
		ExecutionCorrelationID: "missing",
		Status:                 domain.JobStatusQueued,
		Token:                  "t",
	}))

	claim, err := env.coord.Poll(ctx, domain.QueueExecutor, PollOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestExecutionCredential(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()

	job := env.job(t, id)
	_, err := env.coord.ExecutionCredential(ctx, id, job.Token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "not leased yet")

	claim := env.poll(t, "w1")

	cred, err := env.coord.ExecutionCredential(ctx, id, claim.Token)
	require.NoError(t, err)
	assert.Equal(t, job.EngineToken, cred)

	_, err = env.coord.ExecutionCredential(ctx, id, "other")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = env.coord.ExecutionCredential(ctx, "missing", claim.Token)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// --- Update ---

func TestUpdate_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()
	claim := env.poll(t, "w1")

	env.clock.Advance(30 * time.Second)
	running := update(claim, domain.JobStatusRunning)
	running.Message = "started"
	require.NoError(t, env.coord.Update(ctx, running))

	job := env.job(t, id)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, "started", job.Message)
	assert.Equal(t, env.clock.Now().Add(time.Minute), *job.LeaseExpiresAt)

	// heartbeat продлевает lease
	env.clock.Advance(45 * time.Second)
	require.NoError(t, env.coord.Update(ctx, running))
	assert.Equal(t, env.clock.Now().Add(time.Minute), *env.job(t, id).LeaseExpiresAt)

	done := update(claim, domain.JobStatusCompleted)
	done.Output = json.RawMessage(`{"ok":true}`)
	require.NoError(t, env.coord.Update(ctx, done))

	job = env.job(t, id)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"ok":true}`, string(job.Output))
	assert.NotNil(t, job.FinishedAt)
	assert.Nil(t, job.LeaseExpiresAt)
}

func TestUpdate_TerminalDuplicateIsNoop(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()
	claim := env.poll(t, "w1")

	require.NoError(t, env.coord.Update(ctx, update(claim, domain.JobStatusCompleted)))
	rev := env.job(t, id).Revision

	require.NoError(t, env.coord.Update(ctx, update(claim, domain.JobStatusCompleted)))
	assert.Equal(t, rev, env.job(t, id).Revision)

	err := env.coord.Update(ctx, update(claim, domain.JobStatusFailed))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.JobStatusCompleted, env.job(t, id).Status)
}

func TestUpdate_Rejections(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()
	claim := env.poll(t, "w1")

	bad := update(claim, domain.JobStatusRunning)
	bad.Token = "stale"
	assert.ErrorIs(t, env.coord.Update(ctx, bad), domain.ErrUnauthorized)

	wrongQueue := update(claim, domain.JobStatusRunning)
	wrongQueue.QueueName = domain.QueueWebhooks
	assert.ErrorIs(t, env.coord.Update(ctx, wrongQueue), domain.ErrUnauthorized)

	assert.ErrorIs(t, env.coord.Update(ctx, update(claim, domain.JobStatusQueued)), domain.ErrInvalidTransition)
	assert.ErrorIs(t, env.coord.Update(ctx, update(claim, domain.JobStatusTimedOut)), domain.ErrInvalidTransition)

	missing := update(claim, domain.JobStatusRunning)
	missing.ExecutionCorrelationID = "missing"
	assert.ErrorIs(t, env.coord.Update(ctx, missing), domain.ErrNotFound)

	assert.Equal(t, domain.JobStatusClaimed, env.job(t, id).Status)
}

func TestUpdate_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	claim := env.poll(t, "w1")

	const n = 20
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := domain.JobStatusCompleted
			if i%2 == 1 {
				status = domain.JobStatusFailed
			}
			errs[i] = env.coord.Update(context.Background(), update(claim, status))
		}()
	}
	wg.Wait()

	final := env.job(t, id).Status
	require.True(t, final == domain.JobStatusCompleted || final == domain.JobStatusFailed)

	// все отчёты с тем же финальным статусом — успешны (повтор — no-op),
	// с другим — отклонены
	for i, err := range errs {
		status := domain.JobStatusCompleted
		if i%2 == 1 {
			status = domain.JobStatusFailed
		}
		if status == final {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		}
	}
}

func TestUpdate_StaleTokenAfterRequeue(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()
	first := env.poll(t, "w1")

	require.NoError(t, env.coord.Update(ctx, update(first, domain.JobStatusFailed)))
	require.NoError(t, env.coord.Requeue(ctx, id))

	second := env.poll(t, "w2")
	assert.NotEqual(t, first.Token, second.Token)

	assert.ErrorIs(t, env.coord.Update(ctx, update(first, domain.JobStatusCompleted)), domain.ErrUnauthorized)
	require.NoError(t, env.coord.Update(ctx, update(second, domain.JobStatusCompleted)))
}

func TestUpdate_AutoRetrySchedulesBackoff(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.AutoRetry = true
		cfg.InitialBackoff = 2 * time.Second
	})
	id := env.enqueue(t)
	ctx := context.Background()
	claim := env.poll(t, "w1")

	failed := update(claim, domain.JobStatusFailed)
	failed.Message = "boom"
	require.NoError(t, env.coord.Update(ctx, failed))

	job := env.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.RetryAt)
	assert.Equal(t, env.clock.Now().Add(2*time.Second), *job.RetryAt)

	n, err := env.coord.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(2 * time.Second)
	n, err = env.coord.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job = env.job(t, id)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Retries)
	assert.NotEqual(t, claim.Token, job.Token)
	assert.Nil(t, job.RetryAt)

	next := env.poll(t, "w2")
	assert.Equal(t, 2, next.Job.Attempt)
}

func TestUpdate_AutoRetryExhausted(t *testing.T) {
	env := newTestEnv(t, maxRetries(0), func(cfg *Config) { cfg.AutoRetry = true })
	id := env.enqueue(t)
	claim := env.poll(t, "w1")

	require.NoError(t, env.coord.Update(context.Background(), update(claim, domain.JobStatusFailed)))

	job := env.job(t, id)
	assert.Equal(t, domain.JobStatusRetryExhausted, job.Status)
	assert.NotNil(t, job.FinishedAt)
}

// --- OnStatusReport ---

func TestOnStatusReport(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.coord.OnStatusReport(ctx, "missing", domain.JobStatusCompleted, ""), domain.ErrNotFound)

	require.NoError(t, env.coord.OnStatusReport(ctx, id, domain.JobStatusCompleted, "done"))
	job := env.job(t, id)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "done", job.Message)

	// второй финальный отчёт ничего не меняет
	require.NoError(t, env.coord.OnStatusReport(ctx, id, domain.JobStatusFailed, "late"))
	require.NoError(t, env.coord.OnStatusReport(ctx, id, domain.JobStatusCompleted, "again"))

	job = env.job(t, id)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "done", job.Message)
}

func TestOnStatusReport_Transitions(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.coord.OnStatusReport(ctx, id, domain.JobStatusRunning, ""), domain.ErrInvalidTransition)

	env.poll(t, "w1")
	require.NoError(t, env.coord.OnStatusReport(ctx, id, domain.JobStatusRunning, "step started"))
	assert.Equal(t, domain.JobStatusRunning, env.job(t, id).Status)

	require.NoError(t, env.coord.OnStatusReport(ctx, id, domain.JobStatusFailed, "step failed"))
	job := env.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Nil(t, job.RetryAt)

	require.NoError(t, env.coord.OnStatusReport(ctx, id, domain.JobStatusFailed, "dup"))
	assert.Equal(t, "step failed", env.job(t, id).Message)
}

// --- Requeue ---

func TestRequeue_NotRetryable(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.coord.Requeue(ctx, id), domain.ErrNotRetryable)

	env.poll(t, "w1")
	assert.ErrorIs(t, env.coord.Requeue(ctx, id), domain.ErrNotRetryable)
	assert.ErrorIs(t, env.coord.Requeue(ctx, "missing"), domain.ErrNotFound)
}

func TestRequeue_Exhaustion(t *testing.T) {
	env := newTestEnv(t, maxRetries(2))
	id := env.enqueue(t)
	ctx := context.Background()

	for i := range 2 {
		claim := env.poll(t, "w1")
		require.NoError(t, env.coord.Update(ctx, update(claim, domain.JobStatusFailed)))
		require.NoError(t, env.coord.Requeue(ctx, id))
		assert.Equal(t, i+1, env.job(t, id).Retries)
	}

	claim := env.poll(t, "w1")
	require.NoError(t, env.coord.Update(ctx, update(claim, domain.JobStatusFailed)))

	assert.ErrorIs(t, env.coord.Requeue(ctx, id), domain.ErrRetryExhausted)
	job := env.job(t, id)
	assert.Equal(t, domain.JobStatusRetryExhausted, job.Status)
	assert.Equal(t, 2, job.Retries)

	assert.ErrorIs(t, env.coord.Requeue(ctx, id), domain.ErrRetryExhausted)
	assert.ErrorIs(t, env.coord.Requeue(ctx, id), domain.ErrRetryExhausted)
	assert.Equal(t, 0, env.transport.Len(domain.QueueExecutor))
}

// --- Leases ---

func TestLeaseExpiry_TokenHandover(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)
	ctx := context.Background()

	// A получает job с T1 и пропадает
	a := env.poll(t, "worker-a")

	n, err := env.coord.ExpireLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(time.Minute)
	n, err = env.coord.ExpireLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job := env.job(t, id)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, "lease expired", job.Message)
	assert.NotEqual(t, a.Token, job.Token)

	// B получает тот же job с T2
	b := env.poll(t, "worker-b")
	assert.Equal(t, id, b.Job.ExecutionCorrelationID)
	assert.Equal(t, job.Token, b.Token)

	assert.ErrorIs(t, env.coord.Update(ctx, update(a, domain.JobStatusCompleted)), domain.ErrUnauthorized)
	require.NoError(t, env.coord.Update(ctx, update(b, domain.JobStatusCompleted)))
	assert.Equal(t, domain.JobStatusCompleted, env.job(t, id).Status)
}

func TestLeaseExpiry_Exhausted(t *testing.T) {
	env := newTestEnv(t, maxRetries(0))
	id := env.enqueue(t)
	env.poll(t, "w1")

	env.clock.Advance(2 * time.Minute)
	n, err := env.coord.ExpireLeases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.JobStatusRetryExhausted, env.job(t, id).Status)
	assert.Equal(t, 0, env.transport.Len(domain.QueueExecutor))
}

func TestRedeliver(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.RedeliverAfter = time.Minute })
	id := env.enqueue(t)
	ctx := context.Background()

	// брокер потерял сообщение
	_, err := env.transport.Receive(ctx, domain.QueueExecutor)
	require.NoError(t, err)

	n, err := env.coord.Redeliver(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(2 * time.Minute)
	n, err = env.coord.Redeliver(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claim := env.poll(t, "w1")
	assert.Equal(t, id, claim.Job.ExecutionCorrelationID)

	n, err = env.coord.Redeliver(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStartStop_SweepsExpiredLeases(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SweepInterval = 10 * time.Millisecond })
	id := env.enqueue(t)
	env.poll(t, "w1")
	env.clock.Advance(time.Hour)

	require.NoError(t, env.coord.Start(context.Background()))
	defer env.coord.Stop()

	require.Eventually(t, func() bool {
		job, err := env.store.Get(context.Background(), id)
		return err == nil && job.Status == domain.JobStatusQueued
	}, time.Second, 10*time.Millisecond)
}

// --- Get / List ---

func TestGetAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.enqueue(t)
	env.clock.Advance(time.Second)
	_, err := env.coord.Enqueue(ctx, domain.QueueWebhooks, nil)
	require.NoError(t, err)

	view, err := env.coord.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, view.ExecutionCorrelationID)

	_, err = env.coord.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := env.coord.List(ctx, repo.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, domain.QueueWebhooks, all[0].QueueName)

	executor, err := env.coord.List(ctx, repo.JobFilter{Queue: domain.QueueExecutor})
	require.NoError(t, err)
	require.Len(t, executor, 1)
	assert.Equal(t, id, executor[0].ExecutionCorrelationID)
}

// --- remote store ---

// slowRemoteStore — сетевое хранилище, чей взведённый Get ждёт gate.
type slowRemoteStore struct {
	*repo.MemoryJobRepo
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func (s *slowRemoteStore) Remote() bool { return true }

func (s *slowRemoteStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if s.armed.CompareAndSwap(true, false) {
		s.entered <- struct{}{}
		<-s.gate
	}
	return s.MemoryJobRepo.Get(ctx, id)
}

func TestRemoteStore_NoKeyLockAcrossStoreCalls(t *testing.T) {
	store := &slowRemoteStore{
		MemoryJobRepo: repo.NewMemoryJobRepo(),
		entered:       make(chan struct{}, 1),
		gate:          make(chan struct{}),
	}
	env := newTestEnv(t, func(cfg *Config) { cfg.Store = store })
	env.store = store.MemoryJobRepo
	assert.Nil(t, env.coord.locks)

	ctx := context.Background()
	id := env.enqueue(t)
	claim := env.poll(t, "w1")
	require.NoError(t, env.coord.Update(ctx, update(claim, domain.JobStatusRunning)))

	// heartbeat застревает в Get хранилища
	store.armed.Store(true)
	heartbeat := make(chan error, 1)
	go func() { heartbeat <- env.coord.Update(ctx, update(claim, domain.JobStatusRunning)) }()
	<-store.entered

	// финальный отчёт по тому же job не ждёт heartbeat
	done := make(chan error, 1)
	go func() { done <- env.coord.Update(ctx, update(claim, domain.JobStatusCompleted)) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("update blocked behind a pending store call for the same job")
	}

	close(store.gate)
	<-heartbeat
	assert.Equal(t, domain.JobStatusCompleted, env.job(t, id).Status)
}

func TestLocalStore_UsesKeyLock(t *testing.T) {
	env := newTestEnv(t)
	assert.NotNil(t, env.coord.locks)
}

// --- keyLock / backoff ---

func TestKeyLock(t *testing.T) {
	kl := newKeyLock()

	counter := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("k")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, kl.size())

	unlockA := kl.Lock("a")
	unlockB := kl.Lock("b")
	assert.Equal(t, 2, kl.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, kl.size())
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{50, 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.retries, time.Second, time.Minute), "retries=%d", tt.retries)
	}

	assert.Equal(t, time.Second, calculateBackoff(3, 0, 0))
}
