package taskqueue

import (
	"context"
	"time"
)

// Delivery is one receipt of a work item. The same job may be delivered more
// than once; consumers must be idempotent.
type Delivery struct {
	ID         string
	JobID      string
	Receipt    string
	ReceivedAt time.Time
}

// Queue is a durable at-least-once work queue with per-item delay
type Queue interface {
	// Enqueue schedules jobID to become visible after delay
	Enqueue(ctx context.Context, jobID string, delay time.Duration) error
	// Receive returns the next due item, or nil when nothing is due
	Receive(ctx context.Context) (*Delivery, error)
	// Ack removes a delivered item for good
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}
