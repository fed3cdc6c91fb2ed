// Package platform defines the delivery-side contract between the
// dispatcher and a messaging platform, along with the error taxonomy
// workers use to decide between retrying, backing off, and giving up.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/courier/outbound"
)

// Client performs one delivery attempt against the messaging platform.
// Implementations must be safe for concurrent use; the dispatcher calls
// Deliver from many workers at once.
type Client interface {
	// Deliver executes the payload's operation against destination.
	// A nil return means the platform accepted the operation.
	//
	// Errors are classified by type: *ThrottledError means the platform
	// asked us to slow down and the attempt does not count,
	// *TransientError means the attempt failed but retrying may succeed,
	// and any other error is permanent.
	Deliver(ctx context.Context, destination string, p outbound.Payload) error
}

// ThrottledError reports that the platform refused the attempt because
// of rate pressure. It is not a failure: the attempt counter must not
// advance and the message should be retried at RetryAfter.
type ThrottledError struct {
	// RetryAfter is how long the platform asked us to wait.
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("platform: throttled, retry after %s", e.RetryAfter)
}

// Throttled creates a ThrottledError with the given wait.
func Throttled(retryAfter time.Duration) *ThrottledError {
	return &ThrottledError{RetryAfter: retryAfter}
}

// AsThrottled extracts a ThrottledError from err's chain.
func AsThrottled(err error) (*ThrottledError, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// TransientError wraps a failure that is worth retrying: network
// errors, timeouts, platform 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "platform: transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying: a TransientError
// in the chain, or an attempt cut short by its context deadline. The
// per-attempt timeout counts as a transient failure even when a
// context-honoring client returns the raw context error.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
