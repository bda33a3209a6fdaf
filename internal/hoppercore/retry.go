package hoppercore

import (
	"context"

	"github.com/cenkalti/backoff/v5"
)

// MaxConflictRetries bounds the internal retry spec §7 calls for on
// ErrConflictingUpdate: "retried internally up to a small bound" before the
// caller sees the error.
const MaxConflictRetries = 3

// RetryConflict runs op, retrying with a short exponential backoff only
// when op fails with ErrConflictingUpdate, up to MaxConflictRetries
// attempts. Any other error, or the final conflict, is returned as-is.
func RetryConflict(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if IsConflictingUpdate(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithMaxTries(MaxConflictRetries), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}
