// Package dispatcher manages worker fan-out over the unit queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// Runner is a long-lived consumer such as a worker.Worker.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a fixed pool of workers. The pool size
// is the batch concurrency limit.
type Dispatcher struct {
	queue   parcel.Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue parcel.Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item parcel.UnitItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
