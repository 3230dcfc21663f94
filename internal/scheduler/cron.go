package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Dispatch/internal/domain"
)

// cronParser — парсер cron-выражений (пять полей, без секунд).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalculateNextDue вычисляет следующее время постановки для schedule.
// Для интервалов просто добавляет IntervalSec к from.
//
// Учитывает timezone schedule. Результат всегда в UTC.
func CalculateNextDue(sched *domain.Schedule, from time.Time) (time.Time, error) {
	loc, err := loadLocation(sched.Timezone)
	if err != nil {
		// Fallback на UTC: timezone проверяется при создании
		loc = time.UTC
	}

	fromInTz := from.In(loc)

	if sched.IsCron() {
		return calculateNextCron(sched.CronExpr, fromInTz)
	}

	if sched.IsInterval() {
		return calculateNextInterval(sched.IntervalSec, fromInTz), nil
	}

	return time.Time{}, fmt.Errorf("%w: neither cron_expr nor interval_sec", domain.ErrInvalidSchedule)
}

func calculateNextCron(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from).UTC(), nil
}

func calculateNextInterval(intervalSec int, from time.Time) time.Time {
	return from.Add(time.Duration(intervalSec) * time.Second).UTC()
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("%w: cron expression %q: %v", domain.ErrInvalidSchedule, cronExpr, err)
	}
	return nil
}

// Validate проверяет schedule перед сохранением.
func Validate(sched *domain.Schedule) error {
	if !sched.QueueName.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownQueue, sched.QueueName)
	}
	if sched.IntervalSec < 0 {
		return fmt.Errorf("%w: negative interval_sec", domain.ErrInvalidSchedule)
	}
	if sched.IsCron() {
		if err := ValidateCronExpr(sched.CronExpr); err != nil {
			return err
		}
	} else if !sched.IsInterval() {
		return fmt.Errorf("%w: cron_expr or interval_sec is required", domain.ErrInvalidSchedule)
	}
	if _, err := loadLocation(sched.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q", domain.ErrInvalidSchedule, sched.Timezone)
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
