package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vidserve/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testCredential(perMinute, perHour, perDay int) *models.Credential {
	return &models.Credential{
		ID:     "cred-1",
		Active: true,
		Limits: models.RateLimits{PerMinute: perMinute, PerHour: perHour, PerDay: perDay},
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

// both backends must behave the same
func stores(t *testing.T) map[string]CounterStore {
	rs, _ := newRedisStore(t)
	return map[string]CounterStore{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestPerMinuteLimitDeniesThirdRequest(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := New(store)
			cred := testCredential(2, 100, 1000)
			now := time.Now()
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				if d := l.CheckAndIncrement(ctx, cred, now); !d.Admitted {
					t.Fatalf("request %d should be admitted", i+1)
				}
			}

			d := l.CheckAndIncrement(ctx, cred, now)
			if d.Admitted {
				t.Fatal("third request should be denied")
			}
			if len(d.Exceeded) != 1 || d.Exceeded[0].Period != models.PeriodMinute {
				t.Fatalf("Expected only minute exceeded, got %+v", d.Exceeded)
			}
			if d.Exceeded[0].Used != 2 || d.Exceeded[0].Limit != 2 {
				t.Errorf("Unexpected usage %+v", d.Exceeded[0])
			}
			if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
				t.Errorf("Unexpected retry after %v", d.RetryAfter)
			}
			// denied requests are not counted
			if d.Usage[1].Used != 2 {
				t.Errorf("hour counter should stay at 2, got %d", d.Usage[1].Used)
			}
		})
	}
}

func TestZeroLimitAlwaysDenies(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := New(store).CheckAndIncrement(context.Background(), testCredential(5, 0, 0), time.Now())
			if d.Admitted {
				t.Fatal("zero limit must deny")
			}
			if len(d.Exceeded) != 2 {
				t.Errorf("Expected hour and day exceeded, got %+v", d.Exceeded)
			}
		})
	}
}

func TestMemoryWindowExpires(t *testing.T) {
	l := New(NewMemoryStore())
	cred := testCredential(1, 100, 1000)
	now := time.Now()
	ctx := context.Background()

	if !l.CheckAndIncrement(ctx, cred, now).Admitted {
		t.Fatal("first request should be admitted")
	}
	if l.CheckAndIncrement(ctx, cred, now.Add(30*time.Second)).Admitted {
		t.Fatal("second request inside the window should be denied")
	}
	if !l.CheckAndIncrement(ctx, cred, now.Add(61*time.Second)).Admitted {
		t.Fatal("request after the window should be admitted")
	}
}

func TestRedisWindowExpires(t *testing.T) {
	store, mr := newRedisStore(t)
	l := New(store)
	cred := testCredential(1, 100, 1000)
	ctx := context.Background()

	if !l.CheckAndIncrement(ctx, cred, time.Now()).Admitted {
		t.Fatal("first request should be admitted")
	}
	if ttl := mr.TTL("ratelimit:cred-1:minute"); ttl != time.Minute {
		t.Errorf("Expected minute TTL, got %v", ttl)
	}
	if l.CheckAndIncrement(ctx, cred, time.Now()).Admitted {
		t.Fatal("second request should be denied")
	}

	mr.FastForward(61 * time.Second)
	if !l.CheckAndIncrement(ctx, cred, time.Now()).Admitted {
		t.Fatal("request after the window should be admitted")
	}
	// the hour window kept counting
	if got, _ := mr.Get("ratelimit:cred-1:hour"); got != "2" {
		t.Errorf("Expected hour counter 2, got %s", got)
	}
}

func TestConcurrentRequestsNeverExceedLimit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := New(store)
			cred := testCredential(10, 100, 1000)
			now := time.Now()

			var admitted int64
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if l.CheckAndIncrement(context.Background(), cred, now).Admitted {
						atomic.AddInt64(&admitted, 1)
					}
				}()
			}
			wg.Wait()

			if admitted != 10 {
				t.Errorf("Expected exactly 10 admitted, got %d", admitted)
			}
		})
	}
}

type failingStore struct{}

func (failingStore) CheckAndIncrement(context.Context, string, models.RateLimits, time.Time) (bool, []WindowState, error) {
	return false, nil, errors.New("connection refused")
}

func TestStoreErrorFailsOpen(t *testing.T) {
	d := New(failingStore{}).CheckAndIncrement(context.Background(), testCredential(0, 0, 0), time.Now())
	if !d.Admitted {
		t.Error("store errors must fail open")
	}
}

func TestRedisUnavailableFailsOpen(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()
	d := New(store).CheckAndIncrement(context.Background(), testCredential(1, 1, 1), time.Now())
	if !d.Admitted {
		t.Error("unreachable redis must fail open")
	}
}
