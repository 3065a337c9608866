package remote

import "time"

// linearBackOff waits step, 2*step, 3*step, ... between attempts. The
// attempt count is bounded by the caller through backoff.WithMaxTries.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func newLinearBackOff(step time.Duration) *linearBackOff {
	return &linearBackOff{step: step}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
