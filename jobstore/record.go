package jobstore

import (
	"fmt"
	"time"

	"vidserve/models"
)

// record is the flat persisted form of a job
type record struct {
	ID              string     `json:"id"`
	SourceURL       string     `json:"source_url"`
	VideoID         string     `json:"video_id"`
	Title           string     `json:"title"`
	Thumbnail       string     `json:"thumbnail"`
	DurationSeconds int        `json:"duration_seconds"`
	Format          string     `json:"format"`
	Quality         *string    `json:"quality,omitempty"`
	ClientIP        string     `json:"client_ip"`
	UserAgent       string     `json:"user_agent"`
	CredentialID    string     `json:"credential_id"`
	Status          string     `json:"status"`
	OutputPath      *string    `json:"output_path,omitempty"`
	ByteSize        *int64     `json:"byte_size,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	Attempts        int        `json:"attempts"`
	RetryAt         *time.Time `json:"retry_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toRecord(j *models.Job) record {
	r := record{
		ID:              j.ID,
		SourceURL:       j.SourceURL,
		VideoID:         j.VideoID,
		Title:           j.Title,
		Thumbnail:       j.Thumbnail,
		DurationSeconds: j.DurationSeconds,
		Format:          string(j.Format),
		ClientIP:        j.ClientIP,
		UserAgent:       j.UserAgent,
		CredentialID:    j.CredentialID,
		Status:          string(j.Status),
		Attempts:        j.Attempts,
		RetryAt:         j.RetryAt,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.Quality != nil {
		q := string(*j.Quality)
		r.Quality = &q
	}
	switch o := j.Outcome.(type) {
	case models.Completed:
		r.OutputPath = &o.OutputPath
		r.ByteSize = &o.ByteSize
	case models.Failed:
		r.ErrorMessage = &o.Message
	}
	return r
}

// toJob rebuilds the outcome from the flat columns and rejects rows whose
// columns disagree with their status
func (r record) toJob() (*models.Job, error) {
	j := &models.Job{
		ID:              r.ID,
		SourceURL:       r.SourceURL,
		VideoID:         r.VideoID,
		Title:           r.Title,
		Thumbnail:       r.Thumbnail,
		DurationSeconds: r.DurationSeconds,
		Format:          models.Format(r.Format),
		ClientIP:        r.ClientIP,
		UserAgent:       r.UserAgent,
		CredentialID:    r.CredentialID,
		Status:          models.JobStatus(r.Status),
		Attempts:        r.Attempts,
		RetryAt:         r.RetryAt,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
	if r.Quality != nil {
		q := models.Quality(*r.Quality)
		j.Quality = &q
	}

	hasArtifact := r.OutputPath != nil && r.ByteSize != nil
	hasError := r.ErrorMessage != nil
	switch j.Status {
	case models.StatusCompleted:
		if !hasArtifact || hasError {
			return nil, fmt.Errorf("job %s: completed row without artifact or with error", r.ID)
		}
		j.Outcome = models.Completed{OutputPath: *r.OutputPath, ByteSize: *r.ByteSize}
	case models.StatusFailed:
		if !hasError || r.OutputPath != nil {
			return nil, fmt.Errorf("job %s: failed row without error or with artifact", r.ID)
		}
		j.Outcome = models.Failed{Message: *r.ErrorMessage}
	default:
		if r.OutputPath != nil || hasError {
			return nil, fmt.Errorf("job %s: %s row with outcome columns", r.ID, r.Status)
		}
	}

	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}
