package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

func (r RetryPolicy) Do(fn func() error) error {
	return r.DoContext(context.Background(), func(context.Context) error { return fn() })
}

// DoContext retries fn with a linearly growing backoff. It gives up early when
// ctx is done or fn returns a non-retryable error.
func (r RetryPolicy) DoContext(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || IsPermanent(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.Backoff * time.Duration(i+1)):
		}
	}
	return err
}

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p PermanentError
	return errors.As(err, &p)
}
