package backend

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs fn under the supplied backoff policy, retrying only failures
// classified as transient. All other errors abort immediately.
func Retry[T any](ctx context.Context, bo backoff.BackOff, fn func() (T, error)) (T, error) {
	var out T
	op := func() error {
		v, err := fn()
		if err != nil {
			if IsKind(err, KindTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = v
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	return out, err
}
