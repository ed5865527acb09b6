package jobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vidserve/logger"
	"vidserve/models"

	pebble "github.com/cockroachdb/pebble"
)

const (
	jobPrefix    = "job/"
	dedupePrefix = "dedupe/"
)

// PebbleStore keeps each job as a JSON record under job/<id>. A secondary
// index dedupe/<hash>/<created>/<id> answers duplicate lookups.
type PebbleStore struct {
	db *pebble.DB

	// Pebble has no read-modify-write transactions; writes are serialized here
	mu sync.Mutex
}

// OpenPebble initializes the job store
func OpenPebble(dbPath string) (*PebbleStore, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the job store
func (s *PebbleStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PebbleStore) Create(_ context.Context, job *models.Job) error {
	if job.Status != models.StatusPending {
		return fmt.Errorf("%w: new job must be pending, got %s", models.ErrInvalidTransition, job.Status)
	}
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(job.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(toRecord(job))
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(jobPrefix+job.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(dedupeIndexKey(job), nil, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) Get(_ context.Context, id string) (*models.Job, error) {
	return s.load(id)
}

func (s *PebbleStore) Update(_ context.Context, job *models.Job, expected models.JobStatus) error {
	if err := checkUpdate(job, expected); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(job.ID)
	if err != nil {
		return err
	}
	if current.Status != expected {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStaleWrite, job.ID, current.Status, expected)
	}

	data, err := json.Marshal(toRecord(job))
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	return s.db.Set([]byte(jobPrefix+job.ID), data, pebble.Sync)
}

func (s *PebbleStore) FindRecentDuplicate(_ context.Context, key DedupeKey, since time.Time) (*models.Job, error) {
	prefix := dedupeHashPrefix(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix + timeKey(since)),
		UpperBound: []byte(prefixEnd(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// newest first
	for iter.Last(); iter.Valid(); iter.Prev() {
		id := string(iter.Key()[len(prefix)+len(timeKey(since))+1:])
		job, err := s.load(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != models.StatusFailed {
			return job, nil
		}
	}
	return nil, nil
}

func (s *PebbleStore) ListByStatus(_ context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	want := map[models.JobStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	return s.scan(func(j *models.Job) bool { return want[j.Status] })
}

func (s *PebbleStore) List(_ context.Context, f Filter) ([]*models.Job, error) {
	jobs, err := s.scan(func(j *models.Job) bool {
		return f.Status == "" || j.Status == f.Status
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

func (s *PebbleStore) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.scan(func(j *models.Job) bool {
		return j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
	})
	if err != nil {
		return nil, err
	}
	if len(old) == 0 {
		return nil, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, j := range old {
		if err := batch.Delete([]byte(jobPrefix+j.ID), nil); err != nil {
			return nil, err
		}
		if err := batch.Delete(dedupeIndexKey(j), nil); err != nil {
			return nil, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to delete old job records: %w", err)
	}
	return old, nil
}

// Ping performs a basic health check on the job database
func (s *PebbleStore) Ping(_ context.Context) error {
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("job database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}

func (s *PebbleStore) load(id string) (*models.Job, error) {
	data, closer, err := s.db.Get([]byte(jobPrefix + id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record %s: %w", id, err)
	}
	return r.toJob()
}

func (s *PebbleStore) scan(keep func(*models.Job) bool) ([]*models.Job, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(jobPrefix),
		UpperBound: []byte(prefixEnd(jobPrefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*models.Job
	for iter.First(); iter.Valid(); iter.Next() {
		var r record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			logger.Warnf("Skipping unreadable job record %s: %v", iter.Key(), err)
			continue
		}
		j, err := r.toJob()
		if err != nil {
			logger.Warnf("Skipping inconsistent job record: %v", err)
			continue
		}
		if keep(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

func dedupeHashPrefix(k DedupeKey) string {
	sum := sha256.Sum256([]byte(k.SourceURL + "\x00" + string(k.Format) + "\x00" + k.ClientIP))
	return dedupePrefix + hex.EncodeToString(sum[:16]) + "/"
}

func dedupeIndexKey(j *models.Job) []byte {
	k := DedupeKey{SourceURL: j.SourceURL, Format: j.Format, ClientIP: j.ClientIP}
	return []byte(dedupeHashPrefix(k) + timeKey(j.CreatedAt) + "/" + j.ID)
}

// timeKey is a fixed width, lexically ordered timestamp
func timeKey(t time.Time) string {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%020d", n)
}

// prefixEnd returns the smallest key greater than every key with prefix
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}
