// Package memory is a channel-backed batch queue for single-process deployments.
package memory

import (
	"context"
	"errors"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
)

// ErrFull is returned when the buffer has no room left.
var ErrFull = errors.New("batch queue is full")

// Queue implements batches.Queue on a buffered channel.
type Queue struct {
	ch chan batches.ID
}

func New(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan batches.ID, size)}
}

// Enqueue never blocks; a full buffer is reported as ErrFull so the
// dispatcher can fail the batch instead of hanging the request.
func (q *Queue) Enqueue(ctx context.Context, id batches.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- id:
		return nil
	default:
		return ErrFull
	}
}

func (q *Queue) Dequeue(ctx context.Context) (batches.ID, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	return len(q.ch)
}
