// Package coordinator — производящая сторона протокола очередей.
//
// Coordinator:
//   - принимает работу (Enqueue) и выдаёт correlation id и токены
//   - отдаёт jobs воркерам через Poll (claim + lease)
//   - принимает отчёты о статусе (Update, OnStatusReport) с проверкой токена
//   - возвращает jobs в очередь (Requeue) с ротацией токена
//   - периодически истекает lease, запускает отложенные retry
//     и переотправляет потерянные брокером jobs (sweeper)
//
// Изменения одного job сериализуются per-key lock внутри процесса
// и revision-проверкой хранилища между процессами. Публикация в брокер
// выполняется после снятия блокировки.
package coordinator
