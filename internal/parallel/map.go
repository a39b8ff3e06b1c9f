package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result pairs an input with the value or error it was mapped to.
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map runs mapFunc over the input with at most limit calls in flight and
// yields the results in completion order. Leaving the loop early cancels the
// context of the calls still running; Map returns once all of them ended.
//
//	for r := range parallel.Map(ctx, 4, slices.Values(urls), convert) {}
func Map[E, D any](ctx context.Context, limit int, input iter.Seq[E], mapFunc func(context.Context, E) (D, error)) iter.Seq[Result[E, D]] {
	return func(yield func(Result[E, D]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var g errgroup.Group
		g.SetLimit(max(limit, 1))
		mapped := make(chan Result[E, D])

		go func() {
			defer close(mapped)
			for e := range input {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := mapFunc(ctx, e)
					select {
					case mapped <- Result[E, D]{In: e, Out: d, Err: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range mapped {
			if !yield(r) {
				cancel()
				break
			}
		}
		for range mapped {
		}
	}
}
