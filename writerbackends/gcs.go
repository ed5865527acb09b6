package writerbackends

import (
	"context"
	"fmt"
	"io"

	"vidserve/config"
	"vidserve/logger"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSMirror streams artifacts into a Cloud Storage bucket
type GCSMirror struct {
	client *storage.Client
	bucket string
}

// NewGCS authenticates with a service account file when one is configured
// and application default credentials otherwise
func NewGCS(ctx context.Context, cfg config.MirrorConfig) (*GCSMirror, error) {
	var opts []option.ClientOption
	if cfg.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSMirror{client: client, bucket: cfg.GCSBucket}, nil
}

func (m *GCSMirror) Name() string { return "gcs" }

func (m *GCSMirror) Put(ctx context.Context, localPath, objectName string) error {
	f, _, err := openArtifact(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	wc := m.client.Bucket(m.bucket).Object(objectName).NewWriter(ctx)
	if _, err = io.Copy(wc, f); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}

	logger.Infof("Successfully uploaded object '%s' to bucket '%s'", objectName, m.bucket)
	return nil
}

// Close releases the storage client
func (m *GCSMirror) Close() error {
	return m.client.Close()
}
