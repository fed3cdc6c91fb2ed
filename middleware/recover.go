package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/courier/outbound"
)

// Recover returns middleware that recovers from panics in the attempt chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *outbound.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("delivery attempt panicked",
					slog.String("message_id", j.ID.String()),
					slog.String("destination", j.Destination),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic delivering %s: %v", j.ID, r)
			}
		}()
		return next(ctx)
	}
}
