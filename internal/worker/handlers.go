package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

// errAborted — токен job отозван во время выполнения.
var errAborted = errors.New("job aborted: token revoked")

// process выполняет полученный job и сообщает результат.
//
// Ошибка Update прекращает обработку claim: job либо уже передан другому
// воркеру (ErrUnauthorized), либо вернётся в очередь по истечении lease.
func (w *Worker) process(ctx context.Context, session *Session, claim *domain.Claim) {
	logger := telemetry.WithCorrelationID(
		telemetry.WithQueue(w.logger, claim.Job.QueueName.String()),
		claim.Job.ExecutionCorrelationID,
	)

	if err := w.report(ctx, session, claim, domain.JobStatusRunning, "", nil); err != nil {
		w.reportFailed(logger, "failed to report job running", err)
		return
	}

	logger.Info("job started", "attempt", claim.Job.Attempt)

	task, msg := w.prepare(ctx, session, claim, logger)
	if task == nil {
		if msg == "" {
			return
		}
		logger.Warn("job rejected", "error", msg)
		if err := w.report(ctx, session, claim, domain.JobStatusFailed, msg, nil); err != nil {
			w.reportFailed(logger, "failed to report job failed", err)
		}
		return
	}

	result, execErr := w.execute(ctx, session, claim, task)
	if errors.Is(execErr, errAborted) {
		logger.Warn("job aborted, token no longer valid", "step_type", task.StepType)
		return
	}
	if ctx.Err() != nil {
		// воркер остановлен: job вернётся в очередь по истечении lease
		logger.Info("job interrupted by shutdown", "step_type", task.StepType)
		return
	}

	status, message, output := outcome(result, execErr)
	if err := w.report(ctx, session, claim, status, message, output); err != nil {
		w.reportFailed(logger, "failed to report job result", err)
		return
	}

	if status == domain.JobStatusCompleted {
		logger.Info("job completed", "step_type", task.StepType, "attempt", claim.Job.Attempt)
	} else {
		logger.Warn("job failed", "step_type", task.StepType, "attempt", claim.Job.Attempt, "error", message)
	}
}

// prepare разбирает payload, разрешает переменные и получает engine token.
// nil task с пустым сообщением — обработку нужно прекратить без отчёта.
func (w *Worker) prepare(ctx context.Context, session *Session, claim *domain.Claim, logger *slog.Logger) (*Task, string) {
	step, err := domain.ParseStepPayload(claim.Job.Payload)
	if err != nil {
		return nil, err.Error()
	}

	if _, err := w.registry.Get(step.StepType); err != nil {
		return nil, err.Error()
	}

	res := w.resolver.ResolveStep(step)
	if res.HasInvalid() {
		for _, name := range res.Invalid {
			telemetry.InvalidValues.WithLabelValues(string(step.Props[name].Type)).Inc()
		}
		return nil, "invalid input: " + strings.Join(res.Invalid, ", ")
	}
	if len(res.Missing) > 0 {
		return nil, "missing required input: " + strings.Join(res.Missing, ", ")
	}

	var engineToken string
	err = w.withSession(ctx, session, func(s *Session) error {
		var credErr error
		engineToken, credErr = s.ExecutionCredential(ctx, claim)
		return credErr
	})
	if err != nil {
		w.reportFailed(logger, "failed to get execution credential", err)
		return nil, ""
	}

	return &Task{
		Job:         claim.Job,
		StepType:    step.StepType,
		Config:      res.Values,
		EngineToken: engineToken,
	}, ""
}

// execute запускает executor, продлевая lease каждые heartbeatInterval.
// Если heartbeat получил ErrUnauthorized, выполнение отменяется
// и возвращается errAborted.
func (w *Worker) execute(ctx context.Context, session *Session, claim *domain.Claim, task *Task) (*ExecutionResult, error) {
	executor, err := w.registry.Get(task.StepType)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var aborted atomic.Bool
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(execCtx, session, claim, func() {
			aborted.Store(true)
			cancel()
		})
	}()

	start := time.Now()
	result, execErr := executor.Execute(execCtx, task)
	elapsed := time.Since(start)

	cancel()
	hb.Wait()

	if aborted.Load() {
		return nil, errAborted
	}

	status := "completed"
	if execErr != nil || (result != nil && result.Error != "") {
		status = "failed"
	}
	telemetry.StepDuration.WithLabelValues(task.StepType, status).Observe(elapsed.Seconds())

	return result, execErr
}

func (w *Worker) heartbeat(ctx context.Context, session *Session, claim *domain.Claim, abort func()) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.report(ctx, session, claim, domain.JobStatusRunning, "", nil)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrInvalidTransition):
				abort()
				return
			case ctx.Err() == nil:
				w.logger.Warn("heartbeat failed",
					"correlation_id", claim.Job.ExecutionCorrelationID,
					"error", err,
				)
			}
		}
	}
}

func (w *Worker) report(ctx context.Context, session *Session, claim *domain.Claim, status domain.JobStatus, message string, output json.RawMessage) error {
	upd := domain.StatusUpdate{
		ExecutionCorrelationID: claim.Job.ExecutionCorrelationID,
		QueueName:              claim.Job.QueueName,
		Status:                 status,
		Token:                  claim.Token,
		Message:                message,
		Output:                 output,
	}
	return w.withSession(ctx, session, func(s *Session) error {
		return s.Update(ctx, upd)
	})
}

// withSession вызывает fn с сессией claim. Если сессию закрыл другой цикл
// (ошибка poll), fn повторяется один раз на новой сессии Consumer:
// claim по-прежнему защищён токеном job.
func (w *Worker) withSession(ctx context.Context, session *Session, fn func(*Session) error) error {
	err := fn(session)
	if !errors.Is(err, ErrSessionClosed) {
		return err
	}

	fresh, initErr := w.consumer.Init(ctx)
	if initErr != nil {
		return fmt.Errorf("reopen session: %w", initErr)
	}
	return fn(fresh)
}

func (w *Worker) reportFailed(logger *slog.Logger, msg string, err error) {
	if errors.Is(err, domain.ErrUnauthorized) {
		logger.Warn(msg+", token no longer valid", "error", err)
		return
	}
	logger.Error(msg, "error", err)
}

// outcome переводит результат executor'а в финальный статус.
func outcome(result *ExecutionResult, execErr error) (domain.JobStatus, string, json.RawMessage) {
	var output json.RawMessage
	if result != nil && result.Outputs != nil {
		if b, err := json.Marshal(result.Outputs); err == nil {
			output = b
		}
	}

	switch {
	case execErr != nil:
		return domain.JobStatusFailed, execErr.Error(), output
	case result == nil:
		return domain.JobStatusFailed, "executor returned no result", nil
	case result.Error != "":
		return domain.JobStatusFailed, result.Error, output
	default:
		return domain.JobStatusCompleted, "", output
	}
}
