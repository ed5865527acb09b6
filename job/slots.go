package job

import (
	"context"
	"sync"
	"time"

	"vidserve/logger"
	"vidserve/utils"

	"github.com/redis/go-redis/v9"
)

// SlotLocker grants at most one holder per job id. A slot held longer than
// ttl is released automatically so a crashed worker cannot block a job.
type SlotLocker interface {
	TryAcquire(ctx context.Context, jobID string, ttl time.Duration) (release func(), acquired bool, err error)
}

// MemorySlots is an in-process SlotLocker for single instance deployments
type MemorySlots struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{held: make(map[string]time.Time), now: time.Now}
}

func (m *MemorySlots) TryAcquire(_ context.Context, jobID string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.held[jobID]; ok && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	m.held[jobID] = until

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// a newer holder may own the slot after our ttl ran out
		if m.held[jobID] == until {
			delete(m.held, jobID)
		}
	}, true, nil
}

// releaseScript deletes the slot only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisSlots shares slots between server instances with SET NX PX
type RedisSlots struct {
	client redis.UniversalClient
}

func NewRedisSlots(client redis.UniversalClient) *RedisSlots {
	return &RedisSlots{client: client}
}

func (r *RedisSlots) TryAcquire(ctx context.Context, jobID string, ttl time.Duration) (func(), bool, error) {
	token, err := utils.GenerateRandomHex(16)
	if err != nil {
		return nil, false, err
	}
	key := "slot:" + jobID

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	return func() {
		// the worker context may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			logger.Warnf("Failed to release slot for job %s: %v", jobID, err)
		}
	}, true, nil
}
