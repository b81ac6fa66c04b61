package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how an adapter repeats a failed outbound call.
// Network errors and RetryableStatuses are retried; any other response,
// including 4xx, is handed back on the first attempt.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	RetryableStatuses []int
}

// SingleAttempt performs exactly one call.
var SingleAttempt = RetryPolicy{MaxAttempts: 1}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Retryable reports whether an upstream status should be retried.
func (p RetryPolicy) Retryable(status int) bool {
	for _, s := range p.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type retryableStatusError struct {
	status int
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.status)
}

// RetryNotify is called before each wait with the attempt that just failed.
type RetryNotify func(attempt int, err error, wait time.Duration)

// Do runs call until it yields a response that is not retryable or the
// attempts are used up. The last response is returned even when its status
// is retryable, so the caller maps it like any other status. Delays double
// from BaseDelay.
func (p RetryPolicy) Do(ctx context.Context, call func(context.Context) (*http.Response, error), notify RetryNotify) (*http.Response, error) {
	limit := p.attempts()
	attempt := 0
	var resp *http.Response

	op := func() error {
		attempt++
		r, err := call(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if attempt < limit && p.Retryable(r.StatusCode) {
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 4096))
			r.Body.Close()
			return &retryableStatusError{status: r.StatusCode}
		}
		resp = r
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(limit-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
