package ratelimit

import (
	"context"
	"fmt"
	"time"

	"vidserve/models"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrementScript runs the whole admission decision inside Redis.
// KEYS are the window counters, ARGV[i] the limit and ARGV[n+i] the TTL in ms.
// Returns {admitted, count1, pttl1, count2, pttl2, ...}.
var checkAndIncrementScript = redis.NewScript(`
local n = #KEYS
local admitted = 1
for i = 1, n do
  local c = tonumber(redis.call('GET', KEYS[i]) or '0')
  if c >= tonumber(ARGV[i]) then
    admitted = 0
  end
end
local out = {admitted}
for i = 1, n do
  local c
  if admitted == 1 then
    c = redis.call('INCR', KEYS[i])
    if c == 1 then
      redis.call('PEXPIRE', KEYS[i], ARGV[n + i])
    end
  else
    c = tonumber(redis.call('GET', KEYS[i]) or '0')
  end
  table.insert(out, c)
  table.insert(out, redis.call('PTTL', KEYS[i]))
end
return out
`)

// RedisStore keeps counters in Redis so every server instance shares them
type RedisStore struct {
	client redis.Scripter
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) CheckAndIncrement(ctx context.Context, credentialID string, limits models.RateLimits, _ time.Time) (bool, []WindowState, error) {
	n := len(models.Periods)
	keys := make([]string, n)
	args := make([]interface{}, 2*n)
	for i, p := range models.Periods {
		keys[i] = counterKey(credentialID, p)
		args[i] = limits.For(p)
		args[n+i] = p.Duration().Milliseconds()
	}

	res, err := checkAndIncrementScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return false, nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 1+2*n {
		return false, nil, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}

	states := make([]WindowState, n)
	for i := range models.Periods {
		states[i] = WindowState{Count: int(res[1+2*i])}
		if pttl := res[2+2*i]; pttl > 0 {
			states[i].TTL = time.Duration(pttl) * time.Millisecond
		}
	}
	return res[0] == 1, states, nil
}
