package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is an HTTP answer outside 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth another attempt.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// IsRateLimit matches provider throttling errors (HTTP 429, JSON-RPC -32005).
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "-32005") || strings.Contains(s, "http 429")
}

// NewBackOff returns a small exponential backoff (200ms doubling) capped at maxRetries extra attempts.
func NewBackOff(ctx context.Context, maxRetries int) backoff.BackOff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2.0
	b.MaxInterval = 5 * time.Second
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

// Do runs op until it succeeds, returns a permanent error or retries run out.
// Status errors that are not temporary stop immediately.
func Do(ctx context.Context, maxRetries int, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if se, ok := err.(*StatusError); ok && !se.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}, NewBackOff(ctx, maxRetries))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
