package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"vidserve/jobstore"
	"vidserve/logger"
)

// cleanupRoutine periodically removes expired jobs and their files
func cleanupRoutine(ctx context.Context, store jobstore.Store, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		logger.Info("Retention sweep disabled")
		return
	}
	logger.Infof("Cleanup routine started - every %s, retention %s", interval, retention)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Cleanup routine stopped due to context cancellation")
			return
		case <-ticker.C:
			if _, err := sweepExpiredJobs(ctx, store, time.Now().Add(-retention)); err != nil {
				logger.Errorf("Retention sweep failed: %v", err)
			}
		}
	}
}

// sweepExpiredJobs deletes terminal jobs that finished before cutoff and
// removes the artifacts of the completed ones. It returns how many jobs were
// deleted.
func sweepExpiredJobs(ctx context.Context, store jobstore.Store, cutoff time.Time) (int, error) {
	deleted, err := store.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, j := range deleted {
		artifact, ok := j.Artifact()
		if !ok {
			continue
		}
		if err := os.Remove(artifact.OutputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.ForJob(j.ID).Warnf("Failed to remove expired file %s: %v", artifact.OutputPath, err)
		}
	}

	if len(deleted) > 0 {
		logger.Infof("Retention sweep removed %d jobs", len(deleted))
	}
	return len(deleted), nil
}
