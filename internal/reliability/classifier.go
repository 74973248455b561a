package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Policy describes an exponential backoff schedule.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	// MaxElapsed of zero retries forever.
	MaxElapsed time.Duration
	// MaxRetries of zero means unlimited.
	MaxRetries uint64
}

// NewBackOff builds a jittered exponential backoff bound to ctx.
func NewBackOff(ctx context.Context, p Policy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()

	var out backoff.BackOff = b
	if p.MaxRetries > 0 {
		out = backoff.WithMaxRetries(out, p.MaxRetries)
	}
	return backoff.WithContext(out, ctx)
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
