package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"vidserve/admission"
	"vidserve/job"
	"vidserve/logger"
	"vidserve/models"
	"vidserve/utils"
)

// maxBodyBytes bounds a download request body
const maxBodyBytes = 64 << 10

// DownloadBody is the body of POST /download
type DownloadBody struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Quality string `json:"quality,omitempty"`
	// Async defaults to true
	Async *bool `json:"async,omitempty"`
}

// AcceptedResponse is returned for async submissions
type AcceptedResponse struct {
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	StatusURL string           `json:"status_url"`
}

// DownloadHandler creates a job. Async jobs are queued and answered with 202;
// sync jobs run on this request and are answered with the final projection,
// or with 202 when the job had to be handed to the queue.
func (s *Server) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	var body DownloadBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		logger.Debugf("Invalid download body: %v", err)
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}
	async := body.Async == nil || *body.Async

	req := job.DownloadRequest{
		URL:       body.URL,
		Format:    body.Format,
		Quality:   body.Quality,
		Async:     async,
		ClientIP:  admission.ClientIPFrom(r.Context()),
		UserAgent: r.UserAgent(),
	}
	if cred, ok := admission.CredentialFrom(r.Context()); ok {
		req.CredentialID = cred.ID
	}

	created, err := s.Orchestrator.Submit(r.Context(), req)
	var verr *job.ValidationError
	switch {
	case errors.As(err, &verr):
		logger.Debugf("Rejected download request: %v", verr)
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", verr.Error())
		return
	case errors.Is(err, job.ErrDuplicateRequest):
		utils.WriteJSON(w, http.StatusConflict, struct {
			utils.ErrorResponse
			JobID string `json:"job_id"`
		}{
			ErrorResponse: utils.ErrorResponse{
				Error:   "duplicate_request",
				Message: "an identical request was submitted recently",
			},
			JobID: created.ID,
		})
		return
	case err != nil && created == nil:
		logger.Errorf("Failed to submit job: %v", err)
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to create job")
		return
	case err != nil:
		// stored but not queued; recovery on the next start picks it up
		logger.Errorf("Job %s stored without being queued: %v", created.ID, err)
	}

	if async {
		s.writeAccepted(w, r, created)
		return
	}

	final, err := s.Orchestrator.RunSync(r.Context(), created)
	if errors.Is(err, job.ErrQueued) {
		s.writeAccepted(w, r, final)
		return
	}
	if err != nil {
		msg, failed := final.FailureMessage()
		if !failed {
			logger.Errorf("Sync job %s did not finish: %v", created.ID, err)
			utils.WriteError(w, http.StatusInternalServerError, "internal_error", "job could not be run")
			return
		}
		utils.WriteJSON(w, http.StatusBadRequest, struct {
			utils.ErrorResponse
			JobID string `json:"job_id"`
		}{
			ErrorResponse: utils.ErrorResponse{Error: "download_failed", Message: msg},
			JobID:         final.ID,
		})
		return
	}
	utils.WriteJSON(w, http.StatusOK, s.project(r, final))
}

func (s *Server) writeAccepted(w http.ResponseWriter, r *http.Request, j *models.Job) {
	utils.WriteJSON(w, http.StatusAccepted, AcceptedResponse{
		JobID:     j.ID,
		Status:    j.Status,
		StatusURL: fmt.Sprintf("%s/download/%s/status", s.baseURL(r), j.ID),
	})
}

// InfoHandler looks up metadata without creating a job
func (s *Server) InfoHandler(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "url parameter is required")
		return
	}

	meta, err := s.Orchestrator.Lookup(r.Context(), url)
	var verr *job.ValidationError
	switch {
	case errors.As(err, &verr):
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", verr.Error())
		return
	case err != nil:
		logger.Warnf("Metadata lookup failed for %s: %v", url, err)
		utils.WriteError(w, http.StatusBadGateway, "lookup_failed", err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, meta)
}
