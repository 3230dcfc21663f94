package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownStepType — нет executor'а для данного типа шага.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrSessionClosed — сессия закрыта, нужен новый Init.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoDialer — Consumer создан без Dialer.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrBackend — координатор вернул неожиданный ответ.
	ErrBackend = errors.New("backend error")
)
