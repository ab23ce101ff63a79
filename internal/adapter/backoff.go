package adapter

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DefaultBackoffBase          = time.Second
	DefaultBackoffCap           = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// BackoffPolicy bounds reconnection: the delay before attempt n (0-based)
// is min(Base * 2^n, Cap), and at most MaxAttempts attempts are made.
type BackoffPolicy struct {
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        DefaultBackoffBase,
		Cap:         DefaultBackoffCap,
		MaxAttempts: DefaultMaxReconnectAttempts,
	}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = DefaultBackoffBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultBackoffCap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxReconnectAttempts
	}
	return p
}

// Backoff hands out reconnection delays for one outage. It is not safe for
// concurrent use; each reconnection loop owns its own.
type Backoff struct {
	policy   BackoffPolicy
	delegate backoff.BackOff
	attempts int
}

func NewBackoff(policy BackoffPolicy) *Backoff {
	policy = policy.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.Base
	exp.MaxInterval = policy.Cap
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Backoff{
		policy:   policy,
		delegate: backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts)),
	}
}

// Next returns the delay before the next attempt, or false once the attempt
// budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	d := b.delegate.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	b.attempts++
	return d, true
}

// Attempts is the number of delays handed out so far.
func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) Reset() {
	b.delegate.Reset()
	b.attempts = 0
}
