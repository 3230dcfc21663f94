// Package mq — транспорт очередей dispatch.
//
// Структура:
//   - transport.go  — интерфейс Transport, Envelope (wire-формат), Delivery
//   - memory.go     — транспорт в памяти процесса (тесты, single-node)
//   - redis.go      — надёжная очередь на Redis lists (BLMOVE в processing)
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация envelope в RabbitMQ
//   - consumer.go   — потребление очереди RabbitMQ в канал доставок
//   - rabbit.go     — Transport поверх RabbitMQ
//
// Все транспорты дают at-least-once: сообщение, не подтверждённое Ack,
// будет доставлено снова. Дубликаты отсеивает координатор по статусу
// и токену job.
//
// Exchanges (RabbitMQ):
//   - dispatch.jobs — direct, routing key = имя очереди
//   - dispatch.dlq  — dead letter
package mq
