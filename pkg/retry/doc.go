// Package retry provides bounded retries with exponential backoff and jitter.
//
// Basic usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return deliver(ctx)
//	})
//
// Errors that must not be retried are wrapped with Permanent. A per-error delay
// (for example a server-provided retry-after) can be supplied through NextDelay:
//
//	cfg := retry.DefaultConfig()
//	cfg.NextDelay = func(attempt int, err error) (time.Duration, bool) {
//	    var tooMany *bot.TooManyRequestsError
//	    if errors.As(err, &tooMany) {
//	        return time.Duration(tooMany.RetryAfter) * time.Second, true
//	    }
//	    return 0, false
//	}
//
// Waiting uses Config.Clock, so tests can drive time with a mock clock.
package retry
