package fn

import (
	"context"
	"math/rand"
	"time"
)

// Backoff describes an exponential retry schedule.
type Backoff struct {
	// Attempts is the total number of tries, first call included.
	Attempts int
	// Base is the wait before the first retry; each further retry doubles
	// it up to Cap.
	Base time.Duration
	// Cap bounds a single wait.
	Cap time.Duration
	// Jitter scatters each wait in [0.5w, 1.5w) so parallel writers don't
	// hammer a recovering store in lockstep.
	Jitter bool
}

// WriterBackoff is the store-writer schedule: five attempts, exponential
// from one second.
var WriterBackoff = Backoff{
	Attempts: 5,
	Base:     time.Second,
	Cap:      30 * time.Second,
	Jitter:   true,
}

// wait returns the sleep before retry number n (1-based).
func (b Backoff) wait(n int) time.Duration {
	w := b.Base << uint(n-1)
	if b.Cap > 0 && w > b.Cap {
		w = b.Cap
	}
	if b.Jitter {
		w = time.Duration(float64(w) * (0.5 + rand.Float64()))
		if b.Cap > 0 && w > b.Cap {
			w = b.Cap
		}
	}
	return w
}

// Always treats every error as retriable.
func Always(error) bool { return true }

// Retry runs f until it succeeds, the schedule is exhausted, retryable
// rejects the error, or ctx is done. Non-retriable errors return
// immediately with no sleep.
func Retry[T any](ctx context.Context, b Backoff, retryable func(error) bool, f func(context.Context) Result[T]) Result[T] {
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	var result Result[T]
	for attempt := 1; ; attempt++ {
		result = f(ctx)
		if result.IsOk() || attempt == b.Attempts {
			return result
		}
		_, err := result.Unwrap()
		if !retryable(err) {
			return result
		}
		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(b.wait(attempt)):
		}
	}
}
