package transport

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const DefaultWorkers = 4

// Dispatcher runs blocking adapter calls on background goroutines, at most
// `workers` at a time, and reports each result through a callback.
// One Dispatcher is usually shared by every operation of a process.
type Dispatcher struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		sem: semaphore.NewWeighted(int64(workers)),
	}
}

// Go runs fn in the background and calls done exactly once with its result.
// If ctx ends before a worker slot frees up, fn is not run and done receives
// the context error.
func (d *Dispatcher) Go(ctx context.Context, fn func(ctx context.Context) error, done func(error)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			done(err)
			return
		}
		err := fn(ctx)
		// release before reporting so the next step can take the slot
		d.sem.Release(1)
		done(err)
	}()
}

// Wait blocks until every call handed to Go has reported.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
