package routes

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"vidserve/logger"
	"vidserve/utils"
)

// Build-time variables (injected by ldflags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	GoVersion string            `json:"go_version"`
	Uptime    string            `json:"uptime"`
	StartTime string            `json:"start_time"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Global start time for uptime calculation
var startTime = time.Now()

const healthCheckTimeout = 3 * time.Second

// formatUptime formats a duration into days, hours, minutes, seconds
func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}

// HealthHandler reports process info and pings every configured dependency.
// Any failing check turns the reply into a 503.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version,
		GoVersion: runtime.Version(),
		Uptime:    formatUptime(time.Since(startTime)),
		StartTime: startTime.Format("2006-01-02 15:04:05 MST"),
		Checks:    make(map[string]string, len(s.Checks)),
	}

	status := http.StatusOK
	for _, check := range s.Checks {
		if err := check.Ping(ctx); err != nil {
			logger.Warnf("Health check %s failed: %v", check.Name, err)
			response.Checks[check.Name] = err.Error()
			response.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		response.Checks[check.Name] = "ok"
	}

	logger.Debugf("Health check response: status=%s, version=%s", response.Status, response.Version)
	utils.WriteJSON(w, status, response)
}
