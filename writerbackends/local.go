package writerbackends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"vidserve/logger"
)

// LocalMirror copies artifacts into a directory, e.g. a mounted share
type LocalMirror struct {
	baseDir string
}

func NewLocal(baseDir string) *LocalMirror {
	return &LocalMirror{baseDir: baseDir}
}

func (m *LocalMirror) Name() string { return "local" }

func (m *LocalMirror) Put(ctx context.Context, localPath, objectName string) error {
	src, _, err := openArtifact(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	fullPath := filepath.Join(m.baseDir, filepath.Clean("/"+objectName))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	// write to a temp name so readers never see a partial file
	tmp := fullPath + ".part"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", tmp, err)
	}
	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write to file %s: %w", tmp, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return err
	}

	logger.Infof("Successfully mirrored '%s' to '%s'", objectName, fullPath)
	return nil
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
