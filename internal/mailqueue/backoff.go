package mailqueue

import "time"

// retryDelays is indexed by attempt number minus one. Attempts beyond the
// table reuse the last value.
var retryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// RetryDelay returns how long to wait before retrying after the given failed
// attempt (1-based).
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryDelays) {
		return retryDelays[len(retryDelays)-1]
	}
	return retryDelays[attempt-1]
}
