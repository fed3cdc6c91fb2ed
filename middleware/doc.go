// Package middleware provides composable middleware for delivery
// attempts.
//
// A [Middleware] is a function that wraps one delivery attempt.
// Middleware are composed into a chain using [Chain] and applied around
// every platform call the dispatcher makes. They are applied
// right-to-left: the first middleware in the slice is the outermost
// wrapper.
//
//	// logging → recover → attempt
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs destination, kind, duration, and outcome of each attempt
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — cancels the attempt context after a configured duration
//   - [Tracing] — wraps the attempt in an OpenTelemetry span
//   - [Metrics] — records per-attempt duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *outbound.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
