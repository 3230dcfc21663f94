// Package scheduler реализует повторяющиеся (repeatable) jobs.
//
// Scheduler периодически находит schedules с наступившим next_due_at
// и ставит по каждому job в очередь через координатор.
//
// Структура:
//   - scheduler.go — Scheduler (Tick, processSchedule, Start/Stop)
//   - service.go   — операции над schedules для API и CLI
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:    scheduleRepo,
//	    Enqueuer: coord,
//	    Logger:   logger,
//	})
//	sched.Start(ctx)
//	defer sched.Stop()
//
// Scheduler не реализует leader election: в кластере из нескольких
// координаторов его запускает только один экземпляр.
package scheduler
