// Package ratelimit implements the send-budget limiter consulted by
// dispatcher workers before every delivery attempt: one global
// token-bucket modelling the platform's account-wide ceiling, plus one
// lazily created bucket per destination modelling per-chat flood limits.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the limiter budgets. Zero rates disable the
// corresponding bucket.
type Config struct {
	// GlobalRate is the sustained sends per second across all
	// destinations.
	GlobalRate float64
	// GlobalBurst is the burst size of the global bucket. Defaults to 1
	// when GlobalRate is set and GlobalBurst is zero.
	GlobalBurst int

	// DestinationRate is the sustained sends per second permitted to a
	// single destination.
	DestinationRate float64
	// DestinationBurst is the per-destination burst size. Defaults to 1
	// when DestinationRate is set and DestinationBurst is zero.
	DestinationBurst int
}

// Decision is the outcome of a reservation attempt.
type Decision struct {
	// Allowed reports whether the caller holds a send slot.
	Allowed bool
	// ThrottledUntil is the earliest instant a slot frees up. Only
	// meaningful when Allowed is false.
	ThrottledUntil time.Time
}

// Limiter tracks the global and per-destination send budgets. It is safe
// for concurrent use by all workers; a reservation is atomic, so a worker
// that receives an allowed Decision holds that slot exclusively and the
// budget is never over-spent.
type Limiter struct {
	cfg Config

	mu           sync.Mutex
	global       *rate.Limiter
	destinations map[string]*rate.Limiter
}

// New creates a Limiter with the given budgets.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:          cfg,
		destinations: make(map[string]*rate.Limiter),
	}
	if cfg.GlobalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), burstOrOne(cfg.GlobalBurst))
	}
	return l
}

func burstOrOne(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}

// Reserve attempts to take one send slot for the destination from both
// the global and the per-destination budgets. If either budget is
// exhausted no token is consumed anywhere and the Decision carries the
// time the caller should retry at.
func (l *Limiter) Reserve(destination string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	var globalRes *rate.Reservation
	if l.global != nil {
		globalRes = l.global.ReserveN(now, 1)
		if delay := globalRes.DelayFrom(now); delay > 0 {
			globalRes.CancelAt(now)
			return Decision{ThrottledUntil: now.Add(delay)}
		}
	}

	if l.cfg.DestinationRate > 0 {
		dl := l.destinations[destination]
		if dl == nil {
			dl = rate.NewLimiter(rate.Limit(l.cfg.DestinationRate), burstOrOne(l.cfg.DestinationBurst))
			l.destinations[destination] = dl
		}

		destRes := dl.ReserveN(now, 1)
		if delay := destRes.DelayFrom(now); delay > 0 {
			destRes.CancelAt(now)
			// Give the global token back as well; the attempt is not
			// happening.
			if globalRes != nil {
				globalRes.CancelAt(now)
			}
			return Decision{ThrottledUntil: now.Add(delay)}
		}
	}

	return Decision{Allowed: true}
}

// DestinationCount returns the number of destination buckets currently
// tracked. Intended for tests and introspection.
func (l *Limiter) DestinationCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.destinations)
}
