package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Config defines retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first one)
	MaxAttempts int
	// InitialDelay is the delay before the second attempt
	InitialDelay time.Duration
	// MaxDelay caps every delay, including ones returned by NextDelay
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier
	Multiplier float64
	// Jitter spreads each delay uniformly over [delay/2, delay]
	Jitter bool
	// Rand is the random source for jitter (optional)
	Rand *rand.Rand
	// Clock is the time source (defaults to the wall clock)
	Clock clock.Clock
	// OnRetry is called before each wait
	OnRetry func(attempt int, err error, nextDelay time.Duration)
	// NextDelay overrides the backoff for a given error when it returns ok
	NextDelay func(attempt int, err error) (delay time.Duration, ok bool)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Normalize validates the configuration and fills optional fields
func (c *Config) Normalize() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.InitialDelay <= 0 {
		return errors.New("retry: InitialDelay must be positive")
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig().MaxDelay
	}
	if c.InitialDelay > c.MaxDelay {
		return errors.New("retry: InitialDelay cannot be greater than MaxDelay")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier < 1.0 {
		return errors.New("retry: Multiplier must be >= 1.0")
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}

// Func is a function that can be retried
type Func func(ctx context.Context) error

// RetriesExceededError is returned when all attempts failed
type RetriesExceededError struct {
	LastError error
	Attempts  int
	Elapsed   time.Duration
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts in %s: %v", e.Attempts, e.Elapsed, e.LastError)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.LastError
}

// permanentError marks an error that must not be retried
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn with exponential backoff. Every error is retried until
// MaxAttempts is reached, except errors wrapped with Permanent, which are
// returned unwrapped on the first failure, and cancellation of ctx.
func Do(ctx context.Context, config Config, fn Func) error {
	cfg := config
	if err := cfg.Normalize(); err != nil {
		return err
	}

	start := cfg.Clock.Now()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var p *permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.delay(attempt, lastErr)
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := deadline.Sub(cfg.Clock.Now()); delay > remaining {
				delay = remaining
			}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := cfg.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &RetriesExceededError{
		LastError: lastErr,
		Attempts:  cfg.MaxAttempts,
		Elapsed:   cfg.Clock.Now().Sub(start),
	}
}

// delay returns the wait before attempt+1
func (c Config) delay(attempt int, err error) time.Duration {
	if c.NextDelay != nil {
		if d, ok := c.NextDelay(attempt, err); ok {
			return min(d, c.MaxDelay)
		}
	}

	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		if d > time.Duration(float64(c.MaxDelay)/c.Multiplier) {
			d = c.MaxDelay
			break
		}
		d = time.Duration(float64(d) * c.Multiplier)
	}
	d = min(d, c.MaxDelay)

	if c.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(c.Rand.Int63n(int64(d-half)+1))
	}
	return d
}
