package device

import (
	"context"
	"fmt"
)

// CallWithContext runs a blocking backend call and gives up when ctx is done.
// The call itself keeps running; its late result is discarded.
func CallWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	v, _, err := CallWithContextOrDrop(ctx, fn, nil)
	return v, err
}

// CallWithContextOrDrop is CallWithContext that hands a successful late result
// to drop, so resources acquired after the caller gave up can be released.
// The returned bool reports whether the call finished in time.
func CallWithContextOrDrop[T any](ctx context.Context, fn func() (T, error), drop func(T)) (T, bool, error) {
	type result struct {
		v   T
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, err := fn()
		resultCh <- result{v: v, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.v, true, r.err
	case <-ctx.Done():
		if drop != nil {
			go func() {
				if r := <-resultCh; r.err == nil {
					drop(r.v)
				}
			}()
		}
		var zero T
		return zero, false, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}
