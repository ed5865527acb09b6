package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"vidserve/logger"
	"vidserve/models"
	"vidserve/utils"

	"github.com/cockroachdb/pebble"
)

const (
	credPrefix = "cred/"
	hashPrefix = "credhash/"
)

// PebbleStore keeps credentials as JSON values. cred/<id> holds the record and
// credhash/<hash> points at its id.
type PebbleStore struct {
	db       *pebble.DB
	defaults models.RateLimits
	now      func() time.Time

	// serializes read-modify-write of a record
	mu sync.Mutex
}

// OpenPebble opens the Pebble DB for credentials at the specified path
func OpenPebble(dbPath string, defaults models.RateLimits) (*PebbleStore, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		logger.Errorf("Failed to open credentials DB: %v", err)
		return nil, err
	}
	return &PebbleStore{db: db, defaults: defaults, now: time.Now}, nil
}

// Close closes the DB
func (s *PebbleStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PebbleStore) Create(_ context.Context, p CreateParams) (*models.Credential, string, error) {
	cred, key, err := newCredential(p, s.defaults, s.now())
	if err != nil {
		return nil, "", err
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return nil, "", err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(credPrefix+cred.ID), data, nil); err != nil {
		return nil, "", err
	}
	if err := batch.Set([]byte(hashPrefix+cred.KeyHash), []byte(cred.ID), nil); err != nil {
		return nil, "", err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, "", fmt.Errorf("failed to store credential: %w", err)
	}
	return cred, key, nil
}

func (s *PebbleStore) Validate(ctx context.Context, key string) (*models.Credential, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	id, err := s.getValue(hashPrefix + utils.HashAPIKey(key))
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, string(id))
}

func (s *PebbleStore) Get(_ context.Context, id string) (*models.Credential, error) {
	data, err := s.getValue(credPrefix + id)
	if err != nil {
		return nil, err
	}
	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential %s: %w", id, err)
	}
	return &cred, nil
}

func (s *PebbleStore) List(_ context.Context) ([]*models.Credential, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(credPrefix),
		UpperBound: []byte(prefixEnd(credPrefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*models.Credential
	for iter.First(); iter.Valid(); iter.Next() {
		var cred models.Credential
		if err := json.Unmarshal(iter.Value(), &cred); err != nil {
			logger.Warnf("Skipping unreadable credential %s: %v", iter.Key(), err)
			continue
		}
		out = append(out, &cred)
	}
	return out, nil
}

func (s *PebbleStore) Revoke(ctx context.Context, id string) error {
	return s.update(ctx, id, func(c *models.Credential) {
		c.Active = false
	})
}

func (s *PebbleStore) RecordUsage(ctx context.Context, id string, now time.Time) error {
	return s.update(ctx, id, func(c *models.Credential) {
		c.UsageCount++
		c.LastUsedAt = &now
	})
}

// Ping performs a basic health check on the credentials database
func (s *PebbleStore) Ping(_ context.Context) error {
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("credentials database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}

func (s *PebbleStore) update(ctx context.Context, id string, fn func(*models.Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(cred)
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(credPrefix+id), data, pebble.Sync)
}

func (s *PebbleStore) getValue(key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

// prefixEnd returns the smallest key greater than every key with prefix
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}
