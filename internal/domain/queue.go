package domain

import "fmt"

// QueueName — имя логической очереди.
//
// Набор очередей фиксирован: новая очередь добавляется константой
// и записью в knownQueues.
type QueueName string

const (
	// QueueExecutor — выполнение шагов.
	QueueExecutor QueueName = "executor"

	// QueueWebhooks — входящие webhook-триггеры.
	QueueWebhooks QueueName = "webhooks"

	// QueueScheduled — запуски по расписанию.
	QueueScheduled QueueName = "scheduled"

	// QueueUserInteraction — короткие интерактивные задачи (тест шага, dropdown options).
	QueueUserInteraction QueueName = "user-interaction"
)

var knownQueues = []QueueName{
	QueueExecutor,
	QueueWebhooks,
	QueueScheduled,
	QueueUserInteraction,
}

// Queues возвращает все известные очереди.
func Queues() []QueueName {
	out := make([]QueueName, len(knownQueues))
	copy(out, knownQueues)
	return out
}

// IsValid проверяет, что очередь из известного набора.
func (q QueueName) IsValid() bool {
	for _, known := range knownQueues {
		if q == known {
			return true
		}
	}
	return false
}

// String возвращает строковое представление QueueName.
func (q QueueName) String() string {
	return string(q)
}

// ParseQueueName парсит строку в QueueName.
func ParseQueueName(s string) (QueueName, error) {
	q := QueueName(s)
	if !q.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, s)
	}
	return q, nil
}
