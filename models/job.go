package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change would move a job
// backwards or out of a terminal state
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStatus is the lifecycle state of a download job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known states
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Outcome is the terminal result of a job. Exactly one of Completed or Failed.
type Outcome interface {
	Status() JobStatus
	isOutcome()
}

// Completed carries the artifact of a successful job
type Completed struct {
	OutputPath string
	ByteSize   int64
}

func (Completed) Status() JobStatus { return StatusCompleted }
func (Completed) isOutcome()        {}

// Failed carries the human readable reason a job failed
type Failed struct {
	Message string
}

func (Failed) Status() JobStatus { return StatusFailed }
func (Failed) isOutcome()        {}

// Job is the persisted state of one download request
type Job struct {
	ID string

	// source
	SourceURL       string
	VideoID         string
	Title           string
	Thumbnail       string
	DurationSeconds int

	// request
	Format       Format
	Quality      *Quality
	ClientIP     string
	UserAgent    string
	CredentialID string

	// lifecycle
	Status      JobStatus
	Outcome     Outcome // nil until the job is terminal
	Attempts    int
	RetryAt     *time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewJobParams are the admission-time attributes of a job
type NewJobParams struct {
	ID           string
	SourceURL    string
	VideoID      string
	Format       Format
	Quality      *Quality
	ClientIP     string
	UserAgent    string
	CredentialID string
	CreatedAt    time.Time
}

// NewJob builds a pending job, rejecting a quality on audio-only formats
func NewJob(p NewJobParams) (*Job, error) {
	if p.ID == "" {
		return nil, errors.New("job id is required")
	}
	if p.SourceURL == "" {
		return nil, errors.New("source url is required")
	}
	if _, err := ParseFormat(string(p.Format)); err != nil {
		return nil, err
	}
	if p.Format.IsAudio() && p.Quality != nil {
		return nil, fmt.Errorf("quality must be empty for audio format %s", p.Format)
	}
	return &Job{
		ID:           p.ID,
		SourceURL:    p.SourceURL,
		VideoID:      p.VideoID,
		Format:       p.Format,
		Quality:      p.Quality,
		ClientIP:     p.ClientIP,
		UserAgent:    p.UserAgent,
		CredentialID: p.CredentialID,
		Status:       StatusPending,
		CreatedAt:    p.CreatedAt,
	}, nil
}

// Start moves a pending job to processing
func (j *Job) Start(now time.Time) error {
	if !CanTransition(j.Status, StatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusProcessing)
	}
	j.Status = StatusProcessing
	j.StartedAt = &now
	return nil
}

// Complete records the artifact and moves the job to completed
func (j *Job) Complete(now time.Time, outputPath string, size int64) error {
	if !CanTransition(j.Status, StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	if outputPath == "" {
		return errors.New("completed job requires an output path")
	}
	j.Status = StatusCompleted
	j.Outcome = Completed{OutputPath: outputPath, ByteSize: size}
	j.RetryAt = nil
	j.CompletedAt = &now
	return nil
}

// Fail records the error message and moves the job to failed
func (j *Job) Fail(now time.Time, message string) error {
	if !CanTransition(j.Status, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
	}
	if message == "" {
		message = "unknown error"
	}
	j.Status = StatusFailed
	j.Outcome = Failed{Message: message}
	j.RetryAt = nil
	j.CompletedAt = &now
	return nil
}

// Artifact returns the output of a completed job
func (j *Job) Artifact() (Completed, bool) {
	c, ok := j.Outcome.(Completed)
	return c, ok
}

// FailureMessage returns the error of a failed job
func (j *Job) FailureMessage() (string, bool) {
	f, ok := j.Outcome.(Failed)
	return f.Message, ok
}

// Validate checks that status and outcome agree
func (j *Job) Validate() error {
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if j.Format.IsAudio() && j.Quality != nil {
		return fmt.Errorf("job %s: quality set on audio format", j.ID)
	}
	switch {
	case j.Status.IsTerminal() && j.Outcome == nil:
		return fmt.Errorf("job %s: %s without outcome", j.ID, j.Status)
	case !j.Status.IsTerminal() && j.Outcome != nil:
		return fmt.Errorf("job %s: %s with outcome", j.ID, j.Status)
	case j.Outcome != nil && j.Outcome.Status() != j.Status:
		return fmt.Errorf("job %s: status %s but outcome %s", j.ID, j.Status, j.Outcome.Status())
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without racing a store
func (j *Job) Clone() *Job {
	c := *j
	if j.Quality != nil {
		q := *j.Quality
		c.Quality = &q
	}
	c.RetryAt = cloneTime(j.RetryAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
