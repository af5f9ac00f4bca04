package leases

import (
	"context"
	"errors"
)

// Hold acquires obj (reusing token when it is still valid), keeps the lease renewed while fn runs and
// releases it afterwards. Renewal failures do not interrupt fn.
func (e *Engine) Hold(ctx context.Context, obj Lockable, token string, fn func(ctx context.Context, l Lease) error, opts ...RenewerOption) error {
	l, err := e.Acquire(ctx, obj, token)
	if err != nil {
		return err
	}

	release := func(cause error) error {
		if err := e.Release(context.WithoutCancel(ctx), obj, l.Token); err != nil {
			return errors.Join(cause, err)
		}
		return cause
	}

	r, err := NewRenewer(e, l, opts...)
	if err != nil {
		return release(err)
	}
	if err := r.Start(ctx); err != nil {
		return release(err)
	}

	ferr := func() error {
		defer r.Stop()
		return fn(ctx, l)
	}()
	return release(ferr)
}
