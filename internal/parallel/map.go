package parallel

import (
	"context"
	"iter"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Result is the mapped value of the input at Index.
type Result[D any] struct {
	Index int
	Value D
	Err   error
}

// Map calls mapFunc for every input with at most limit calls in flight.
//
//	for r := range parallel.NewMap(limit, fn).Iter(ctx, input) {}
//
// Every input started yields exactly one Result. Once ctx is done no new
// input is read, inputs already read yield ctx.Err() without calling
// mapFunc.
type Map[E, D any] struct {
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{limit: max(limit, 1), mapFunc: mapFunc}
}

// Iter yields results in completion order.
func (m *Map[E, D]) Iter(ctx context.Context, seq iter.Seq[E]) iter.Seq[Result[D]] {
	return func(yield func(Result[D]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		mapped := make(chan Result[D])
		go func() {
			defer close(mapped)
			var g errgroup.Group
			g.SetLimit(m.limit)
			index := 0
			for entry := range seq {
				if ctx.Err() != nil {
					break
				}
				i := index
				index++
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						mapped <- Result[D]{Index: i, Err: err}
						return nil
					}
					d, err := m.mapFunc(ctx, entry)
					mapped <- Result[D]{Index: i, Value: d, Err: err}
					return nil
				})
			}
			_ = g.Wait()
		}()

		defer func() {
			cancel()
			for range mapped {
			}
		}()
		for r := range mapped {
			if !yield(r) {
				return
			}
		}
	}
}

// Collect returns all results ordered by Index.
func (m *Map[E, D]) Collect(ctx context.Context, seq iter.Seq[E]) []Result[D] {
	ret := slices.Collect(m.Iter(ctx, seq))
	slices.SortFunc(ret, func(a, b Result[D]) int { return a.Index - b.Index })
	return ret
}
