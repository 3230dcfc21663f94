package coordinator

import "time"

// calculateBackoff вычисляет задержку перед автоматическим retry:
// initial * 2^retries, не больше maxDelay.
func calculateBackoff(retries int, initial, maxDelay time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}

	delay := initial
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
