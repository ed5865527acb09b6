package job

import (
	"net/url"
	"regexp"
	"strings"

	"vidserve/models"
)

// DownloadRequest is what a client submits
type DownloadRequest struct {
	URL     string
	Format  string
	Quality string
	Async   bool

	ClientIP     string
	UserAgent    string
	CredentialID string
}

type validRequest struct {
	url     string
	videoID string
	format  models.Format
	quality *models.Quality
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var supportedHosts = map[string]bool{
	"youtube.com":              true,
	"www.youtube.com":          true,
	"m.youtube.com":            true,
	"music.youtube.com":        true,
	"youtu.be":                 true,
	"www.youtube-nocookie.com": true,
}

// pathPrefixes are the URL paths whose next segment is the video id
var pathPrefixes = []string{"/shorts/", "/embed/", "/live/", "/v/"}

func validate(req DownloadRequest) (*validRequest, error) {
	videoID, err := ExtractVideoID(req.URL)
	if err != nil {
		return nil, err
	}

	if req.Format == "" {
		return nil, invalid("format", "is required")
	}
	format, err := models.ParseFormat(req.Format)
	if err != nil {
		return nil, invalid("format", "must be one of mp4, mp3, webm, avi")
	}

	var quality *models.Quality
	if req.Quality != "" {
		if format.IsAudio() {
			return nil, invalid("quality", "must be empty for audio format %s", format)
		}
		q, err := models.ParseQuality(req.Quality)
		if err != nil {
			return nil, invalid("quality", "unsupported quality %q", req.Quality)
		}
		quality = &q
	}

	return &validRequest{
		url:     strings.TrimSpace(req.URL),
		videoID: videoID,
		format:  format,
		quality: quality,
	}, nil
}

// ExtractVideoID parses a supported video URL and returns its 11 character id
func ExtractVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", invalid("url", "must be an absolute http(s) URL")
	}
	host := strings.ToLower(u.Hostname())
	if !supportedHosts[host] {
		return "", invalid("url", "unsupported host %s", host)
	}

	var id string
	switch {
	case host == "youtu.be":
		id = firstSegment(strings.TrimPrefix(u.Path, "/"))
	case u.Path == "/watch":
		id = u.Query().Get("v")
	default:
		for _, prefix := range pathPrefixes {
			if strings.HasPrefix(u.Path, prefix) {
				id = firstSegment(strings.TrimPrefix(u.Path, prefix))
				break
			}
		}
	}

	if !videoIDPattern.MatchString(id) {
		return "", invalid("url", "no video id found")
	}
	return id, nil
}

func firstSegment(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}
