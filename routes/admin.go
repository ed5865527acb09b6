package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidserve/credentials"
	"vidserve/jobstore"
	"vidserve/logger"
	"vidserve/models"
	"vidserve/utils"

	"github.com/gorilla/mux"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 500
)

// requireAdmin admits requests carrying a valid admin JWT
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.AdminSecret) == 0 {
			utils.WriteError(w, http.StatusServiceUnavailable, "admin_disabled", "admin endpoints are not configured")
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			utils.WriteError(w, http.StatusUnauthorized, "missing_token", "an admin bearer token is required")
			return
		}

		claims, err := utils.VerifyAdminJWT(token, utils.VerifyConfig{
			SecretKey: s.AdminSecret,
			ClockSkew: 30 * time.Second,
		})
		if errors.Is(err, utils.ErrNotAdmin) {
			utils.WriteError(w, http.StatusForbidden, "not_admin", err.Error())
			return
		}
		if err != nil {
			logger.Warnf("Rejected admin token from %s: %v", r.RemoteAddr, err)
			utils.WriteError(w, http.StatusUnauthorized, "invalid_token", "the admin token is not valid")
			return
		}

		logger.Debugf("Admin request %s %s by %s", r.Method, r.URL.Path, claims.Subject)
		next.ServeHTTP(w, r)
	})
}

// CreateKeyBody is the body of POST /admin/keys
type CreateKeyBody struct {
	Name           string             `json:"name"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	Limits         *models.RateLimits `json:"limits,omitempty"`
	AllowedFormats []models.Format    `json:"allowed_formats,omitempty"`
	AllowedIPs     []string           `json:"allowed_ips,omitempty"`
}

// CreateKeyResponse carries the plaintext key. It is never shown again.
type CreateKeyResponse struct {
	Credential *models.Credential `json:"credential"`
	Key        string             `json:"key"`
}

func (s *Server) CreateKeyHandler(w http.ResponseWriter, r *http.Request) {
	var body CreateKeyBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	cred, key, err := s.Credentials.Create(r.Context(), credentials.CreateParams{
		Name:           body.Name,
		ExpiresAt:      body.ExpiresAt,
		Limits:         body.Limits,
		AllowedFormats: body.AllowedFormats,
		AllowedIPs:     body.AllowedIPs,
	})
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	logger.Infof("Created API key %s (%s) for %q", cred.ID, cred.KeyPrefix, cred.Name)
	utils.WriteJSON(w, http.StatusCreated, CreateKeyResponse{Credential: cred, Key: key})
}

func (s *Server) ListKeysHandler(w http.ResponseWriter, r *http.Request) {
	creds, err := s.Credentials.List(r.Context())
	if err != nil {
		logger.Errorf("Failed to list credentials: %v", err)
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to list keys")
		return
	}
	if creds == nil {
		creds = []*models.Credential{}
	}
	utils.WriteJSON(w, http.StatusOK, creds)
}

func (s *Server) RevokeKeyHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.Credentials.Revoke(r.Context(), id)
	if errors.Is(err, credentials.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, "key_not_found", fmt.Sprintf("key %s not found", id))
		return
	}
	if err != nil {
		logger.Errorf("Failed to revoke credential %s: %v", id, err)
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to revoke key")
		return
	}
	logger.Infof("Revoked API key %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := jobstore.Filter{Limit: defaultJobsLimit}
	if raw := q.Get("status"); raw != "" {
		status := models.JobStatus(raw)
		if !status.Valid() {
			utils.WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			utils.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxJobsLimit)
	}

	jobs, err := s.Jobs.List(r.Context(), filter)
	if err != nil {
		logger.Errorf("Failed to list jobs: %v", err)
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, s.project(r, j))
	}
	utils.WriteJSON(w, http.StatusOK, views)
}
