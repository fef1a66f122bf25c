package tool

import (
	"context"
	"errors"
	"net"

	"github.com/cenkalti/backoff/v4"

	"github.com/bazaarvoice/qtype/core"
)

// InvokeWithRetry runs fn under the given retry policy, retrying only
// errors classified as retryable (a ToolError with Retryable set, a
// Transient RuntimeError, a context deadline, or a network timeout). It
// returns the successful response (zero when no attempt succeeded), the
// number of attempts made, and the final error if every attempt failed.
func InvokeWithRetry(ctx context.Context, policy core.RetryPolicy, fn func(ctx context.Context) (InvokeResponse, error)) (InvokeResponse, int, error) {
	p := policy.Normalize()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.Multiplier = p.Multiplier
	bo.MaxElapsedTime = p.MaxElapsed

	var (
		resp     InvokeResponse
		attempts int
	)
	// MaxAttempts counts total tries, WithMaxRetries counts retries after
	// the first.
	wrapped := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx) // #nosec G115 -- MaxAttempts is >= 1 after Normalize
	err := backoff.Retry(func() error {
		attempts++
		var callErr error
		resp, callErr = fn(ctx)
		if callErr == nil {
			return nil
		}
		if !isRetryableError(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, wrapped)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return InvokeResponse{}, attempts, err
	}
	return resp, attempts, nil
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if toolErr, ok := toolErrorFrom(err); ok {
		return toolErr.Retryable
	}
	var rtErr *core.RuntimeError
	if errors.As(err, &rtErr) {
		return rtErr.Class == core.RuntimeTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
