package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOperation retries the operation with a constant backoff policy.
func RetryOperation(ctx context.Context, wait time.Duration, retries int, operation func() error) error {
	bo := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(wait),
		uint64(retries),
	)
	bo = backoff.WithContext(bo, ctx)
	return backoff.Retry(operation, bo)
}

// RetryOperationForErrors retries the operation only when it fails with one
// of retryableErrors; any other error aborts immediately.  This is how
// duplicate-key races on concurrent creates are resolved: the losing writer
// re-runs its transaction and adopts whatever the winner committed.
func RetryOperationForErrors(ctx context.Context, wait time.Duration, retries int, retryableErrors []error, operation func() error) error {
	wrapped := func() error {
		err := operation()
		if err == nil {
			return nil
		}
		for _, retryable := range retryableErrors {
			if errors.Is(err, retryable) {
				return err
			}
		}
		return backoff.Permanent(err)
	}
	err := RetryOperation(ctx, wait, retries, wrapped)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
