package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidserve/jobstore"
	"vidserve/logger"
	"vidserve/models"
)

func TestMain(m *testing.M) {
	logger.SetLevel(logger.ERROR)
	os.Exit(m.Run())
}

func storeJob(t *testing.T, store jobstore.Store, id string, created time.Time) *models.Job {
	t.Helper()
	j, err := models.NewJob(models.NewJobParams{
		ID:        id,
		SourceURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		VideoID:   "dQw4w9WgXcQ",
		Format:    models.FormatMP4,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return j
}

func finishJob(t *testing.T, store jobstore.Store, j *models.Job, at time.Time, path string) {
	t.Helper()
	ctx := context.Background()
	if err := j.Start(at); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, j, models.StatusPending); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	var err error
	if path != "" {
		err = j.Complete(at, path, 4)
	} else {
		err = j.Fail(at, "ERROR: Video unavailable")
	}
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, j, models.StatusProcessing); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestSweepExpiredJobs(t *testing.T) {
	dir := t.TempDir()
	store, err := jobstore.OpenPebble(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	old := now.Add(-48 * time.Hour)

	oldFile := filepath.Join(dir, "old.mp4")
	freshFile := filepath.Join(dir, "fresh.mp4")
	for _, p := range []string{oldFile, freshFile} {
		if err := os.WriteFile(p, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	expired := storeJob(t, store, "expired-completed", old)
	finishJob(t, store, expired, old, oldFile)
	failed := storeJob(t, store, "expired-failed", old)
	finishJob(t, store, failed, old, "")
	fresh := storeJob(t, store, "fresh-completed", now)
	finishJob(t, store, fresh, now, freshFile)
	storeJob(t, store, "old-pending", old)

	n, err := sweepExpiredJobs(context.Background(), store, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 jobs removed, got %d", n)
	}

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Errorf("Expected expired artifact removed, stat err=%v", err)
	}
	if _, err := os.Stat(freshFile); err != nil {
		t.Errorf("Fresh artifact should remain: %v", err)
	}

	ctx := context.Background()
	for _, id := range []string{"fresh-completed", "old-pending"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Errorf("Expected %s to remain: %v", id, err)
		}
	}
	if _, err := store.Get(ctx, "expired-completed"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("Expected expired job deleted, got %v", err)
	}
}
