package routes

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"vidserve/jobstore"
	"vidserve/logger"
	"vidserve/models"
	"vidserve/utils"

	"github.com/gorilla/mux"
)

// JobView is the client-facing projection of a job
type JobView struct {
	ID              string           `json:"id"`
	Status          models.JobStatus `json:"status"`
	URL             string           `json:"url"`
	VideoID         string           `json:"video_id,omitempty"`
	Title           string           `json:"title,omitempty"`
	Thumbnail       string           `json:"thumbnail,omitempty"`
	DurationSeconds int              `json:"duration_seconds,omitempty"`
	Format          models.Format    `json:"format"`
	Quality         *models.Quality  `json:"quality"`
	Attempts        int              `json:"attempts"`
	RetryAt         *time.Time       `json:"retry_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	File            *FileView        `json:"file,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// FileView describes the artifact of a completed job
type FileView struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

func (s *Server) project(r *http.Request, j *models.Job) JobView {
	v := JobView{
		ID:              j.ID,
		Status:          j.Status,
		URL:             j.SourceURL,
		VideoID:         j.VideoID,
		Title:           j.Title,
		Thumbnail:       j.Thumbnail,
		DurationSeconds: j.DurationSeconds,
		Format:          j.Format,
		Quality:         j.Quality,
		Attempts:        j.Attempts,
		RetryAt:         j.RetryAt,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
	if a, ok := j.Artifact(); ok {
		v.File = &FileView{
			Name:        filepath.Base(a.OutputPath),
			Size:        a.ByteSize,
			DownloadURL: fmt.Sprintf("%s/download/%s/file", s.baseURL(r), j.ID),
		}
	}
	if msg, ok := j.FailureMessage(); ok {
		v.Error = msg
	}
	return v
}

// loadJob fetches the job named in the route and writes the error reply
// when it cannot
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id := mux.Vars(r)["id"]
	j, err := s.Jobs.Get(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		logger.Debugf("Job not found: %s", id)
		utils.WriteError(w, http.StatusNotFound, "job_not_found", fmt.Sprintf("job %s not found", id))
		return nil, false
	}
	if err != nil {
		logger.Errorf("Failed to load job %s: %v", id, err)
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		return nil, false
	}
	return j, true
}

// StatusHandler returns the projection of one job
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	logger.Debugf("Job status: id=%s, status=%s", j.ID, j.Status)
	utils.WriteJSON(w, http.StatusOK, s.project(r, j))
}
