package scan

import (
	"context"
	"sync"
	"sync/atomic"
)

// runWorkerPool applies fn to items using at most slots goroutines and sums
// the returned failure counts. It reports whether ctx ended before every item
// was dispatched.
func runWorkerPool[T any](ctx context.Context, slots int, items []T, fn func(context.Context, T) int) (int, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if slots <= 1 || len(items) <= 1 {
		total := 0
		for _, item := range items {
			if ctx.Err() != nil {
				return total, true
			}
			total += fn(ctx, item)
		}
		return total, false
	}
	if slots > len(items) {
		slots = len(items)
	}

	tasks := make(chan T)
	var failures atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range tasks {
				if ctx.Err() != nil {
					continue
				}
				failures.Add(int64(fn(ctx, item)))
			}
		}()
	}

	aborted := false
	for _, item := range items {
		if ctx.Err() != nil {
			aborted = true
			break
		}
		tasks <- item
	}
	close(tasks)
	wg.Wait()
	return int(failures.Load()), aborted
}
