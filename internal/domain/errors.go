package domain

import "errors"

// Ошибки протокола dispatch.
//
// Общие для координатора, воркера и HTTP-клиента: клиент восстанавливает
// их из HTTP-статусов, поэтому errors.Is работает по обе стороны API.
var (
	// ErrNotFound — correlation id неизвестен.
	ErrNotFound = errors.New("job not found")

	// ErrUnauthorized — токен не совпадает с активным токеном job
	// или credential воркера не принят.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRetryExhausted — retry исчерпаны, job в RETRY_EXHAUSTED.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrNotRetryable — requeue невозможен из текущего статуса.
	ErrNotRetryable = errors.New("job is not in a retryable state")

	// ErrInvalidTransition — недопустимый переход статуса.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownQueue — очередь не из известного набора.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrInvalidPayload — payload не является корректным JSON.
	ErrInvalidPayload = errors.New("invalid payload")
)
