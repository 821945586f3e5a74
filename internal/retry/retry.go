// Package retry runs fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/example/carpool/internal/observability"
)

const DefaultAttempts = 3

// Policy configures Do. The zero value retries DefaultAttempts times with a
// 100ms base delay and classifies errors with DefaultRetryable.
type Policy struct {
	Attempts  int
	Base      time.Duration
	MaxJitter time.Duration
	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// Name labels the retry metric.
	Name string
}

// StatusCoder is implemented by errors that carry an HTTP-style status.
type StatusCoder interface {
	StatusCode() int
}

// DefaultRetryable treats context cancellation and any error carrying a
// status in [400,500) as permanent. Everything else is transient.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code >= 400 && code < 500 {
			return false
		}
	}
	return true
}

// Delay is the backoff before retry number attempt (0-based):
// base * 2^attempt plus up to maxJitter of random jitter.
func Delay(base, maxJitter time.Duration, attempt int) time.Duration {
	d := base << attempt
	if maxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(maxJitter)))
	}
	return d
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if p.Name == "" {
		p.Name = "unnamed"
	}
	return p
}

// Do runs op until it succeeds, returns a permanent error, or the attempt
// budget is spent. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var (
		out T
		err error
	)
	for attempt := 0; attempt < p.Attempts; attempt++ {
		out, err = op(ctx)
		if err == nil || !p.Retryable(err) {
			return out, err
		}
		if attempt == p.Attempts-1 {
			break
		}
		observability.RetriesTotal.WithLabelValues(p.Name).Inc()
		if serr := p.Sleep(ctx, Delay(p.Base, p.MaxJitter, attempt)); serr != nil {
			return out, err
		}
	}
	observability.RetriesExhausted.WithLabelValues(p.Name).Inc()
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
