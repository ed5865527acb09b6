package routes

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"

	"vidserve/extractor"
	"vidserve/logger"
	"vidserve/utils"
)

// maxTitleLen bounds the title part of the download filename
const maxTitleLen = 100

// FileHandler streams the artifact of a completed job
func (s *Server) FileHandler(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	artifact, completed := j.Artifact()
	if !completed {
		utils.WriteError(w, http.StatusBadRequest, "job_not_completed",
			fmt.Sprintf("job %s is %s", j.ID, j.Status))
		return
	}

	f, err := os.Open(artifact.OutputPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("Artifact of job %s is missing: %s", j.ID, artifact.OutputPath)
		utils.WriteError(w, http.StatusNotFound, "file_not_found", "the file of this job no longer exists")
		return
	}
	if err != nil {
		logger.Errorf("Failed to open artifact of job %s: %v", j.ID, err)
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to open file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		logger.Errorf("Failed to stat artifact of job %s: %v", j.ID, err)
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to open file")
		return
	}

	name := extractor.SanitizeFilename(j.Title, maxTitleLen) + j.Format.Extension()
	w.Header().Set("Content-Type", j.Format.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	logger.Debugf("Serving %s (%d bytes) for job %s", name, info.Size(), j.ID)
	http.ServeContent(w, r, name, info.ModTime(), f)
}
