package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidserve/models"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrStaleWrite means the stored status no longer matches the status the
	// writer started from.
	ErrStaleWrite = errors.New("job was modified concurrently")
	ErrExists     = errors.New("job already exists")
)

// DedupeKey identifies repeated submissions of the same request
type DedupeKey struct {
	SourceURL string
	Format    models.Format
	ClientIP  string
}

// Filter narrows List. Zero values mean no restriction.
type Filter struct {
	Status models.JobStatus
	Limit  int
}

// Store persists jobs. Update is a compare-and-set on status: the write only
// applies if the stored job is still in expected, and the new status must be
// expected itself or a legal transition from it.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, job *models.Job, expected models.JobStatus) error
	FindRecentDuplicate(ctx context.Context, key DedupeKey, since time.Time) (*models.Job, error)
	ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	List(ctx context.Context, f Filter) ([]*models.Job, error)
	// DeleteTerminalOlderThan removes completed and failed jobs that finished
	// before cutoff and returns them so their files can be removed.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// checkUpdate validates a write before either backend applies it
func checkUpdate(job *models.Job, expected models.JobStatus) error {
	if expected.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", models.ErrInvalidTransition, job.ID, expected)
	}
	if job.Status != expected && !models.CanTransition(expected, job.Status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, expected, job.Status)
	}
	return job.Validate()
}
