package publish

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/forgesweep/forgesweep/internal/vcs"
)

const maxRemoteRetries = 4

// withRetry reruns a remote operation while it fails with a retryable
// branch error. Everything else aborts on the first attempt.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRemoteRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var be *vcs.BranchError
		if errors.As(err, &be) && be.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
