package writerbackends

import (
	"context"
	"fmt"
	"os"

	"vidserve/config"
)

// Mirror copies a finished artifact to a secondary location. objectName is
// the name the artifact gets there, relative to the backend's prefix.
type Mirror interface {
	Put(ctx context.Context, localPath, objectName string) error
	Name() string
}

// New builds the mirror selected by cfg.Backend. An empty backend disables
// mirroring and returns nil.
func New(ctx context.Context, cfg config.MirrorConfig) (Mirror, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "local":
		return NewLocal(cfg.LocalDir), nil
	case "s3":
		return NewS3(ctx, cfg)
	case "gcs":
		return NewGCS(ctx, cfg)
	case "sftp":
		return NewSFTP(cfg)
	default:
		return nil, fmt.Errorf("unknown mirror backend: %s", cfg.Backend)
	}
}

func openArtifact(localPath string) (*os.File, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, fi.Size(), nil
}
