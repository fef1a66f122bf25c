package interpreter

import (
	"context"
	"errors"
	"net"

	"github.com/cenkalti/backoff/v4"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/tool"
)

// withRetry runs fn under the run's retry policy, retrying only
// transient failures (provider 5xx, rate limits, transport timeouts).
// Non-transient errors return immediately; exhausted retries
// return the last transient error for the caller to convert into a
// message failure.
func withRetry(ctx context.Context, policy core.RetryPolicy, fn func(ctx context.Context) error) error {
	p := policy.Normalize()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.Multiplier = p.Multiplier
	bo.MaxElapsedTime = p.MaxElapsed

	wrapped := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx) // #nosec G115 -- MaxAttempts >= 1 after Normalize
	err := backoff.Retry(func() error {
		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}
		if !isTransient(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, wrapped)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var rt *core.RuntimeError
	if errors.As(err, &rt) {
		return rt.Class == core.RuntimeTransient
	}
	var te *tool.ToolError
	if errors.As(err, &te) {
		return te.Retryable
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
