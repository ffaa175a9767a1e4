// Package retry provides a small policy-driven retry helper for exchange I/O.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc decides if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy. Backoff doubles per
// attempt with up to 50% jitter added.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
		sleepTime := backoff + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

// Poll calls fn up to maxAttempts times with a progressive delay of
// interval*(attempt+1) before each call, stopping when fn reports done. Used
// for cancellation verification against the exchange.
func Poll(ctx context.Context, maxAttempts int, interval time.Duration, fn func(attempt int) (done bool, err error)) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		delay := interval * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		var done bool
		done, err = fn(attempt)
		if done {
			return err
		}
	}
	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
