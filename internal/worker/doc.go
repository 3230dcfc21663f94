// Package worker — клиентская сторона очереди: получает jobs у координатора
// и выполняет шаги.
//
// # Consumer и Session
//
// Consumer открывает сессию с координатором через Dialer:
//
//   - LocalDialer — координатор в том же процессе
//   - HTTPDialer — HTTP API координатора (POST /api/v1/queues/{queue}/poll и т.д.)
//
// Session.Poll возвращает domain.Claim (view job и токен попытки) или nil,
// если за таймаут job не появился. Session.Update сообщает переход статуса
// и возвращает domain.ErrUnauthorized, если токен уже ротирован.
// Session.Close освобождает соединение; полученные jobs возвращает в очередь
// истечение lease на стороне координатора.
//
// # Worker
//
// Для каждой очереди Worker запускает Concurrency циклов:
//
//  1. Poll
//  2. Update(RUNNING)
//  3. Разбор payload (domain.StepPayload) и разрешение переменных (variable.Resolver)
//  4. Запрос engine token (ExecutionCredential)
//  5. Выполнение через Executor, heartbeat продлевает lease
//  6. Update(COMPLETED) или Update(FAILED)
//
// Если heartbeat получил ErrUnauthorized, выполнение отменяется, отчёт не
// отправляется. Ошибки транспорта закрывают сессию; переподключение
// выполняется с exponential backoff (ReconnectMin..ReconnectMax).
//
//	w := worker.New(worker.Config{
//	    Dialer:      worker.HTTPDialer{BaseURL: "http://localhost:8080"},
//	    WorkerID:    "worker-1",
//	    Token:       os.Getenv("WORKER_TOKEN"),
//	    Queues:      []domain.QueueName{domain.QueueExecutor},
//	    Concurrency: 4,
//	})
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Executor
//
// Реализации: HTTPExecutor, DelayExecutor, TransformExecutor.
// Регистрируются в Registry по типу шага.
//
// # Ошибки
//
// Пакет различает два уровня ошибок выполнения:
//   - Инфраструктурные (error от Execute) — сеть упала, DNS не резолвится
//   - Логические (ExecutionResult.Error) — HTTP 500, валидация не прошла
//
// Оба уровня завершают job статусом FAILED; повтор решает координатор.
package worker
