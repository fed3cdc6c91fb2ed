// Package retry provides pluggable delay strategies and the policy that
// turns a delivery error into a verdict: try again later, honor a
// platform throttle, or give up and dead-letter.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/xraph/courier/platform"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant delay strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential delay strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Jittered
// ──────────────────────────────────────────────────

// Jittered spreads another strategy's delay by a random fraction in
// [-Fraction, +Fraction], so simultaneous retries against one
// destination fan out instead of landing together.
type Jittered struct {
	Base     Strategy
	Fraction float64
}

// NewJittered wraps base with a symmetric jitter of the given fraction.
func NewJittered(base Strategy, fraction float64) *Jittered {
	return &Jittered{Base: base, Fraction: fraction}
}

// Delay returns the base delay scaled by a random factor in
// [1-Fraction, 1+Fraction].
func (j *Jittered) Delay(attempt int) time.Duration {
	d := float64(j.Base.Delay(attempt))
	factor := 1 + j.Fraction*(2*rand.Float64()-1) //nolint:gosec // jitter intentionally uses non-crypto rand
	return time.Duration(d * factor)
}

// DefaultStrategy returns the delay strategy used when none is
// configured: exponential from 10s capped at 5m, with 20% jitter.
func DefaultStrategy() Strategy {
	return NewJittered(NewExponential(10*time.Second, 5*time.Minute), 0.2)
}

// ──────────────────────────────────────────────────
// Policy
// ──────────────────────────────────────────────────

// Action is the verdict a Policy renders on a delivery error.
type Action string

const (
	// ActionRetry schedules another attempt after a backoff delay. The
	// attempt counter advances.
	ActionRetry Action = "retry"
	// ActionThrottle reschedules the attempt at the platform's requested
	// time. The attempt counter does not advance.
	ActionThrottle Action = "throttle"
	// ActionDeadLetter abandons delivery: the failure is permanent or the
	// retry budget is spent.
	ActionDeadLetter Action = "dead_letter"
)

// Decision carries the verdict and, for retries and throttles, when the
// next attempt becomes eligible.
type Decision struct {
	Action  Action
	RetryAt time.Time
}

// Policy decides what to do with a failed delivery attempt.
type Policy struct {
	// MaxAttempts is the total delivery attempts permitted, counting the
	// one that just failed.
	MaxAttempts int
	// Strategy computes retry delays. Nil means DefaultStrategy.
	Strategy Strategy
}

// NewPolicy creates a Policy with the default delay strategy.
func NewPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, Strategy: DefaultStrategy()}
}

// Decide classifies err after a completed attempt. attemptCount is the
// number of attempts that have run, including the failed one; it must
// already reflect the failure except for throttles, which do not count
// as attempts.
func (p Policy) Decide(now time.Time, attemptCount int, err error) Decision {
	if te, ok := platform.AsThrottled(err); ok {
		return Decision{Action: ActionThrottle, RetryAt: now.Add(te.RetryAfter)}
	}
	if !platform.IsTransient(err) {
		return Decision{Action: ActionDeadLetter}
	}
	if attemptCount >= p.MaxAttempts {
		return Decision{Action: ActionDeadLetter}
	}
	strategy := p.Strategy
	if strategy == nil {
		strategy = DefaultStrategy()
	}
	return Decision{Action: ActionRetry, RetryAt: now.Add(strategy.Delay(attemptCount))}
}
