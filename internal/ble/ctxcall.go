package ble

import "context"

// callWithContext runs fn in its own goroutine and returns its result, or
// ctx.Err() if ctx is done first. A result that arrives after the caller
// gave up is handed to abandon (if non-nil) so it can be released.
func callWithContext[T any](ctx context.Context, fn func() (T, error), abandon func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if abandon != nil {
			go func() {
				if r := <-ch; r.err == nil {
					abandon(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
