package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy controls the retry loop.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Delay returns the nominal backoff before the given retry (1-based attempt
// number of the call that just failed), without jitter. It is non-decreasing
// in attempt and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// jitter scales a delay by a random factor in [0.75, 1.25).
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

// Retry runs op, retrying transient failures with jittered exponential
// backoff. Non-retryable errors and exhausted attempts propagate the final
// error. The context aborts the sleep between attempts.
func Retry(ctx context.Context, logger *zap.Logger, name string, p Policy, op func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}

		c := Classify(err)
		if !c.Retryable {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := jitter(p.Delay(attempt))
		logger.Warn("operation failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.String("category", string(c.Category)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, p.MaxAttempts, err)
}
