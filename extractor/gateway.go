package extractor

import (
	"context"

	"vidserve/models"
)

// Metadata describes a source item without downloading it
type Metadata struct {
	SourceID        string   `json:"source_id"`
	Title           string   `json:"title"`
	Thumbnail       string   `json:"thumbnail"`
	DurationSeconds int      `json:"duration_seconds"`
	Formats         []string `json:"formats"`
}

// MediaRequest asks the gateway to produce one artifact at OutputPath
type MediaRequest struct {
	URL        string
	Format     models.Format
	Quality    *models.Quality
	OutputPath string
}

// MediaResult is the artifact the gateway wrote
type MediaResult struct {
	OutputPath string
	ByteSize   int64
}

// Gateway fetches metadata and media from a source. Errors carry free-text
// messages; Classify reads them to decide whether a retry can help.
type Gateway interface {
	FetchMetadata(ctx context.Context, url string) (*Metadata, error)
	FetchMedia(ctx context.Context, req MediaRequest) (*MediaResult, error)
}
