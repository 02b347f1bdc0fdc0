package misc

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryWith calls f with a context bounded by timeout, up to maxAttempts times.
// An attempt is retried only if it failed because its own timeout expired.
func RetryWith(parentContext context.Context, timeout time.Duration, maxAttempts int, f func(ctx context.Context) error) error {
	if parentContext.Err() != nil {
		return parentContext.Err()
	}
	if maxAttempts < 1 {
		return fmt.Errorf("invalid parameter maxAttempts: %d", maxAttempts)
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = func() error {
			ctx, cancel := context.WithTimeout(parentContext, timeout)
			defer cancel()
			err := f(ctx)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parentContext.Err() == nil {
				return &attemptTimeoutError{err: err}
			}
			return err
		}()
		var timeoutErr *attemptTimeoutError
		if !errors.As(err, &timeoutErr) {
			return err
		}
		err = timeoutErr.err
	}
	return err
}

type attemptTimeoutError struct{ err error }

func (e *attemptTimeoutError) Error() string { return e.err.Error() }

// SleepCtx sleeps for the given duration or until the context is done, in which case it returns the context's error
func SleepCtx(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
