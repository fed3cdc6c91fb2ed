package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/outbound"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *outbound.Job, next Handler) error {
		logger.Info("delivery attempt started",
			slog.String("message_id", j.ID.String()),
			slog.String("destination", j.Destination),
			slog.String("kind", string(j.Payload.Kind)),
			slog.Int("attempt", j.AttemptCount+1),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("delivery attempt failed",
				slog.String("message_id", j.ID.String()),
				slog.String("destination", j.Destination),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("delivery attempt succeeded",
				slog.String("message_id", j.ID.String()),
				slog.String("destination", j.Destination),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
