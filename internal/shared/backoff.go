package shared

import "time"

// Backoff returns the delay before retry attempt n (1-based): base
// doubling per attempt, capped. Attempts below 1 get the base delay.
// The same shape paces run retries and side-effect reconciliation.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d <= 0 {
			// overflowed
			if cap > 0 {
				return cap
			}
			return base
		}
		if cap > 0 && d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}
