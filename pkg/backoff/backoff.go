package backoff

import (
	"math"
	"time"
)

// RetryDelay returns the delay before the given retry attempt of a timeout
// task. Attempt counting starts at 1, so the sequence is 2, 4, 8, ... minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(math.Pow(2, float64(attempt))) * time.Minute
}
