package transport

import "time"

// backoff computes the reconnection delay schedule: base * 2^(attempt-1),
// stopping once the configured attempt cap is reached.
type backoff struct {
	base        time.Duration
	maxAttempts int
	attempt     int
}

func newBackoff(base time.Duration, maxAttempts int) *backoff {
	return &backoff{base: base, maxAttempts: maxAttempts}
}

// next advances to the following attempt and returns the delay to wait
// before it. The second return value is false once the cap is exhausted;
// no further attempt may be scheduled after that.
func (b *backoff) next() (time.Duration, bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	b.attempt++
	return b.base << (b.attempt - 1), true
}

// current returns the number of the attempt most recently handed out.
func (b *backoff) current() int { return b.attempt }

// reset clears the attempt counter after a successful connection.
func (b *backoff) reset() { b.attempt = 0 }
