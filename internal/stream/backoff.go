package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// multiplier is the growth factor between consecutive reconnect delays.
const multiplier = 1.5

// Policy is the reconnect schedule: delay n (0-based) is BaseDelay*1.5^n,
// clamped to MaxDelay, and no attempt is scheduled after MaxRetries
// consecutive failures.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// NewBackOff builds the reconnect schedule for p. Jitter is disabled so the
// sequence is non-decreasing until Reset.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Schedule returns every delay the policy will produce before giving up.
func (p Policy) Schedule() []time.Duration {
	b := p.NewBackOff()
	var out []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}
