package domain

// JobStatus — статус job в очереди.
//
// Жизненный цикл:
//
//	QUEUED → CLAIMED → RUNNING → COMPLETED
//	                 ↘ FAILED     (retry → обратно в QUEUED)
//	                 ↘ TIMED_OUT  (lease истёк → обратно в QUEUED)
//	FAILED / TIMED_OUT → RETRY_EXHAUSTED (retry исчерпаны)
type JobStatus string

const (
	// JobStatusQueued — job в очереди, ожидает воркера.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusClaimed — job получен воркером через poll, lease активен.
	JobStatusClaimed JobStatus = "CLAIMED"

	// JobStatusRunning — воркер сообщил о начале выполнения.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusCompleted — job успешно выполнен.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed — выполнение завершилось ошибкой, retry возможен.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusTimedOut — lease истёк, воркер пропал.
	JobStatusTimedOut JobStatus = "TIMED_OUT"

	// JobStatusRetryExhausted — retry исчерпаны, job больше не запускается.
	JobStatusRetryExhausted JobStatus = "RETRY_EXHAUSTED"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusRetryExhausted:
		return true
	default:
		return false
	}
}

// IsRetryable возвращает true, если из этого статуса разрешён requeue.
func (s JobStatus) IsRetryable() bool {
	return s == JobStatusFailed || s == JobStatusTimedOut
}

// IsLeased возвращает true, если job удерживается воркером.
func (s JobStatus) IsLeased() bool {
	return s == JobStatusClaimed || s == JobStatusRunning
}

// IsValid проверяет, что статус из известного набора.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusClaimed, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusTimedOut, JobStatusRetryExhausted:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// CanReport проверяет, может ли воркер перевести job из from в to.
//
// Воркер сообщает только RUNNING (в том числе повторно — heartbeat),
// COMPLETED и FAILED. Остальные переходы делает координатор.
func CanReport(from, to JobStatus) bool {
	if !from.IsLeased() {
		return false
	}
	switch to {
	case JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}
