package batches

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	domain "github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
)

// Runner executes one batch.
type Runner interface {
	Run(ctx context.Context, id domain.ID) error
}

// Worker pulls batch ids off the queue and runs them with bounded concurrency.
type Worker struct {
	Queue       domain.Queue
	Runner      Runner
	Concurrency int

	active atomic.Int64
}

// Active returns the number of batches currently running.
func (w *Worker) Active() int {
	return int(w.active.Load())
}

// Start processes batches until ctx is cancelled, then waits for the
// in-flight ones. In-flight batches see the cancellation and stop before
// their next project.
func (w *Worker) Start(ctx context.Context) {
	limit := max(w.Concurrency, 1)
	semaphore := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()

	logger.WithField("concurrency", limit).Info("worker started")

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		// Wait for available slot
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			logger.Info("worker stopping")
			return
		}

		id, err := w.Queue.Dequeue(ctx)
		if err != nil {
			<-semaphore
			if ctx.Err() != nil {
				logger.Info("worker stopping")
				return
			}
			wait := bo.NextBackOff()
			logger.WithError(err).WithField("retry_in", wait).Warn("dequeue failed")
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		bo.Reset()

		wg.Add(1)
		w.active.Add(1)
		go func(id domain.ID) {
			defer func() {
				// Release semaphore slot
				<-semaphore
				w.active.Add(-1)
				wg.Done()
			}()

			log := logger.WithField("batch", id)
			log.WithField("active", w.Active()).Info("processing batch")
			if err := w.Runner.Run(ctx, id); err != nil {
				if errors.Is(err, domain.ErrBatchNotFound) {
					log.Warn("queued batch no longer exists")
					return
				}
				log.WithError(err).Error("batch run failed")
			}
		}(id)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
