package middleware

import (
	"context"
	"time"

	"github.com/xraph/courier/outbound"
)

// Timeout returns middleware that enforces a per-attempt deadline.
// A non-positive d disables the deadline. When the deadline is
// exceeded the context is cancelled and the platform call should
// return context.DeadlineExceeded.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *outbound.Job, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
