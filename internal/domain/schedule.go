package domain

import (
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSchedule — расписание без cron_expr и interval_sec или с неверными полями.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule — расписание повторяющейся постановки job в очередь.
//
// Schedule позволяет ставить job:
// - По cron-выражению: "0 9 * * *" (каждый день в 9:00)
// - По интервалу: каждые N секунд
//
// Scheduler проверяет NextDueAt и вызывает Enqueue, когда время подошло.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID string `json:"id"`

	// Name — имя расписания для удобства.
	Name string `json:"name,omitempty"`

	// QueueName — очередь, в которую ставится job.
	QueueName QueueName `json:"queue_name"`

	// Payload — payload каждого поставленного job.
	Payload json.RawMessage `json:"payload,omitempty"`

	// RunContext — контекст run, копируется в каждый job.
	RunContext map[string]string `json:"run_context,omitempty"`

	// MaxRetries — лимит requeue для jobs (nil — значение координатора).
	MaxRetries *int `json:"max_retries,omitempty"`

	// CronExpr — cron-выражение.
	// Формат: "минуты часы дни месяцы дни_недели"
	// Примеры:
	//   "0 9 * * *"     — каждый день в 9:00
	//   "*/5 * * * *"   — каждые 5 минут
	// Если задан CronExpr, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал в секундах между постановками.
	// Используется если CronExpr не задан.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для cron. По умолчанию: "UTC".
	Timezone string `json:"timezone"`

	// Enabled — флаг активности расписания.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующей постановки.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последней постановки.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastJobID — correlation id последнего поставленного job.
	LastJobID string `json:"last_job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSchedule создаёт включённое расписание с новым ID.
func NewSchedule(name string, queue QueueName, payload json.RawMessage, now time.Time) *Schedule {
	return &Schedule{
		ID:        uuid.NewString(),
		Name:      name,
		QueueName: queue,
		Payload:   payload,
		Timezone:  "UTC",
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *Schedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли ставить job.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// RecordRun записывает информацию о постановке.
func (s *Schedule) RecordRun(jobID string, nextDue, now time.Time) {
	s.LastRunAt = &now
	s.LastJobID = jobID
	s.NextDueAt = &nextDue
	s.UpdatedAt = now
}

// Clone возвращает глубокую копию schedule.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.Payload != nil {
		c.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	if s.RunContext != nil {
		c.RunContext = maps.Clone(s.RunContext)
	}
	if s.MaxRetries != nil {
		v := *s.MaxRetries
		c.MaxRetries = &v
	}
	c.NextDueAt = cloneTime(s.NextDueAt)
	c.LastRunAt = cloneTime(s.LastRunAt)
	return &c
}
