package routes

import (
	"context"
	"net/http"
	"strings"

	"vidserve/admission"
	"vidserve/credentials"
	"vidserve/job"
	"vidserve/jobstore"
	"vidserve/logger"

	"github.com/gorilla/mux"
)

// HealthCheck is one dependency probed by /health
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server holds what the handlers need
type Server struct {
	Orchestrator *job.Orchestrator
	Jobs         jobstore.Store
	Credentials  credentials.Store
	Admission    *admission.Middleware
	AdminSecret  []byte
	// PublicBaseURL prefixes download links; the request host is used when empty
	PublicBaseURL string
	Checks        []HealthCheck
}

// Router builds the HTTP surface
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger)

	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/version", VersionHandler).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.Admission.Handler)
	api.HandleFunc("/download", s.DownloadHandler).Methods(http.MethodPost)
	api.HandleFunc("/download/{id}/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/download/{id}/file", s.FileHandler).Methods(http.MethodGet)
	api.HandleFunc("/info", s.InfoHandler).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/keys", s.CreateKeyHandler).Methods(http.MethodPost)
	admin.HandleFunc("/keys", s.ListKeysHandler).Methods(http.MethodGet)
	admin.HandleFunc("/keys/{id}", s.RevokeKeyHandler).Methods(http.MethodDelete)
	admin.HandleFunc("/jobs", s.ListJobsHandler).Methods(http.MethodGet)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) baseURL(r *http.Request) string {
	if s.PublicBaseURL != "" {
		return strings.TrimRight(s.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
