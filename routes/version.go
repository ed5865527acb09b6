package routes

import (
	"net/http"
	"runtime"

	"vidserve/logger"
	"vidserve/utils"
)

// VersionResponse represents the version information response
type VersionResponse struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	GitCommit string `json:"git_commit,omitempty"`
}

// VersionHandler provides version information about the build
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	response := VersionResponse{
		Version:   version,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		GitCommit: gitCommit,
	}

	logger.Debugf("Version response: version=%s, go_version=%s, git_commit=%s",
		response.Version, response.GoVersion, response.GitCommit)
	utils.WriteJSON(w, http.StatusOK, response)
}
