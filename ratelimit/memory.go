package ratelimit

import (
	"context"
	"sync"
	"time"

	"vidserve/models"
)

type window struct {
	count   int
	expires time.Time
}

// MemoryStore keeps counters in process. Windows start at the first increment
// and reset once their duration has elapsed.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (m *MemoryStore) CheckAndIncrement(_ context.Context, credentialID string, limits models.RateLimits, now time.Time) (bool, []WindowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := make([]*window, len(models.Periods))
	admitted := true
	for i, p := range models.Periods {
		key := counterKey(credentialID, p)
		w, ok := m.windows[key]
		if ok && !now.Before(w.expires) {
			delete(m.windows, key)
			w = nil
		}
		current[i] = w
		count := 0
		if w != nil {
			count = w.count
		}
		if count >= limits.For(p) {
			admitted = false
		}
	}

	states := make([]WindowState, len(models.Periods))
	for i, p := range models.Periods {
		w := current[i]
		if admitted {
			if w == nil {
				w = &window{expires: now.Add(p.Duration())}
				m.windows[counterKey(credentialID, p)] = w
			}
			w.count++
		}
		if w != nil {
			states[i] = WindowState{Count: w.count, TTL: w.expires.Sub(now)}
		}
	}
	return admitted, states, nil
}

// Reset drops every counter
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	m.windows = make(map[string]*window)
	m.mu.Unlock()
}

func counterKey(credentialID string, p models.Period) string {
	return "ratelimit:" + credentialID + ":" + string(p)
}
