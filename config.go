package courier

import "time"

// Config holds configuration for a Courier. All rate-limit budgets and
// retry bounds live here rather than as constants; they are deployment
// tuning, not core logic.
type Config struct {
	// Concurrency is the number of dispatcher workers pulling from the
	// delivery queue.
	Concurrency int

	// MaxAttempts is the delivery attempt budget per message. A message
	// whose AttemptCount reaches this value on failure is dead-lettered.
	MaxAttempts int

	// AttemptTimeout bounds a single platform call. Exceeding it counts
	// as a transient failure.
	AttemptTimeout time.Duration

	// PollInterval is the initial idle wait between empty claim attempts.
	PollInterval time.Duration

	// MaxIdleInterval caps the exponential idle backoff of an empty worker.
	MaxIdleInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often in-flight claims are stamped alive.
	HeartbeatInterval time.Duration

	// StaleClaimThreshold is how long an in-flight message may go without
	// a heartbeat before the reaper returns it to pending.
	StaleClaimThreshold time.Duration

	// RateLimit is the global sustained sends per second across all
	// destinations (the platform's account-wide ceiling). Zero disables
	// the global bucket.
	RateLimit float64

	// RateBurst is the burst size of the global bucket. Defaults to 1
	// when RateLimit is set and RateBurst is zero.
	RateBurst int

	// DestinationRateLimit is the sustained sends per second permitted to
	// a single destination (per-chat flood limit). Zero disables
	// per-destination buckets.
	DestinationRateLimit float64

	// DestinationRateBurst is the per-destination burst size.
	DestinationRateBurst int

	// BulkSpacing staggers the NotBefore of messages enqueued through
	// SendBulk so a bulk enqueue does not burst a destination.
	BulkSpacing time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:          8,
		MaxAttempts:          5,
		AttemptTimeout:       30 * time.Second,
		PollInterval:         250 * time.Millisecond,
		MaxIdleInterval:      5 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		StaleClaimThreshold:  time.Minute,
		RateLimit:            30,
		RateBurst:            30,
		DestinationRateLimit: 1,
		DestinationRateBurst: 1,
		BulkSpacing:          100 * time.Millisecond,
	}
}
