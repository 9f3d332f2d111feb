package store

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy retries transient storage failures with exponential backoff and
// jitter. Permanent, conflict and not-found failures surface immediately.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// JitterFraction randomizes each delay by ±fraction of its value.
	JitterFraction float64

	// OnRetry, when set, observes each scheduled retry.
	OnRetry func(op string, attempt int, err error)
}

// DefaultRetryPolicy matches the storage contract: three retries at
// 100ms/200ms/400ms with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		JitterFraction: 0.2,
	}
}

// Do runs fn until it succeeds, fails permanently, or the retry budget is
// exhausted. The last error is returned unwrapped so callers can classify it.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		class := Classify(lastErr)
		if !class.Retriable() || attempt >= p.MaxRetries {
			return lastErr
		}

		delay := p.delay(attempt, class)
		if p.OnRetry != nil {
			p.OnRetry(op, attempt+1, lastErr)
		}
		slog.Debug("store: retrying operation",
			"op", op,
			"attempt", attempt+1,
			"class", class.String(),
			"delay_ms", delay.Milliseconds(),
			"error", lastErr.Error())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}

func (p RetryPolicy) delay(attempt int, class ErrorClass) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if class == ClassRateLimit {
		// Rate limits back off harder than plain transient faults.
		base *= 2
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}
	if p.JitterFraction > 0 {
		jitter := base * p.JitterFraction
		base = base - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(base)
}
