package nexus

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/errcode"
)

// SafeCall runs fn under a deadline and maps expiry to a typed upstream
// timeout. fallback is returned alongside the error so read paths can
// degrade without branching at every call site.
func SafeCall[T any](ctx context.Context, timeout time.Duration, op string, fallback T, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fallback, errcode.Newf(errcode.UpstreamTimeout, "%s: no reply within %s", op, timeout)
		}
		return fallback, err
	}
	return v, nil
}

// SafeDo is SafeCall for effect-only operations with no value to fall
// back to.
func SafeDo(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	_, err := SafeCall(ctx, timeout, op, struct{}{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
