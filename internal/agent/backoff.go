// internal/agent/backoff.go
package agent

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// linearBackOff waits attempt x base between connection attempts.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(base time.Duration) *linearBackOff {
	return &linearBackOff{base: base}
}

// NextBackOff returns the delay before the next attempt.
func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

// Reset restarts the sequence.
func (b *linearBackOff) Reset() {
	b.attempt = 0
}
