package job

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vidserve/models"
	"vidserve/taskqueue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRecoverRequeuesOrphans(t *testing.T) {
	gw := &fakeGateway{errs: []error{errNetwork}}
	h := newHarness(t, gw, nil)
	ctx := context.Background()

	pending := h.submit(t, DownloadRequest{Format: "mp4"})
	retrying := h.submit(t, DownloadRequest{Format: "mp3", Async: true})
	h.orch.HandleDelivery(ctx, retrying.ID) // fails once, retry in 30s

	h.clock.Advance(10 * time.Second)
	q := &recordingQueue{}
	pool := NewWorkerPool(h.orch, q, 1, time.Millisecond)
	n, err := pool.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 recovered jobs, got %d (%v)", n, err)
	}

	delays := map[string]time.Duration{}
	for _, it := range q.items {
		delays[it.jobID] = it.delay
	}
	if delays[pending.ID] != 0 {
		t.Errorf("Pending job should be due now, got %v", delays[pending.ID])
	}
	if delays[retrying.ID] != 20*time.Second {
		t.Errorf("Retrying job should keep its remaining 20s, got %v", delays[retrying.ID])
	}
}

func TestWorkerPoolProcessesQueue(t *testing.T) {
	gw := &fakeGateway{size: 100}
	h := newHarness(t, gw, nil)

	queue, err := taskqueue.OpenPebble(filepath.Join(t.TempDir(), "queue.db"), time.Minute)
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	defer queue.Close()
	h.orch.queue = queue

	var ids []string
	for _, f := range []string{"mp4", "mp3", "webm"} {
		ids = append(ids, h.submit(t, DownloadRequest{Format: f, Async: true}).ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pool := NewWorkerPool(h.orch, queue, 2, 5*time.Millisecond)
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		completed := 0
		for _, id := range ids {
			if j, err := h.store.Get(context.Background(), id); err == nil && j.Status == models.StatusCompleted {
				completed++
			}
		}
		if completed == len(ids) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	for _, id := range ids {
		if j := h.get(t, id); j.Status != models.StatusCompleted {
			t.Errorf("job %s is %s", id, j.Status)
		}
	}
	ready, inflight, _ := queue.Len()
	if ready != 0 || inflight != 0 {
		t.Errorf("Deliveries were not acked: ready=%d inflight=%d", ready, inflight)
	}
	if gw.calls() != 3 {
		t.Errorf("Expected 3 gateway calls, got %d", gw.calls())
	}
}

func TestMemorySlots(t *testing.T) {
	s := NewMemorySlots()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, _ := s.TryAcquire(ctx, "job-1", time.Minute)
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok, _ := s.TryAcquire(ctx, "job-1", time.Minute); ok {
		t.Fatal("second acquire should fail")
	}
	if _, ok, _ := s.TryAcquire(ctx, "job-2", time.Minute); !ok {
		t.Fatal("other jobs are independent")
	}
	release()
	if _, ok, _ := s.TryAcquire(ctx, "job-1", time.Minute); !ok {
		t.Fatal("acquire after release should succeed")
	}

	// an expired holder no longer blocks, and its late release is harmless
	now = now.Add(2 * time.Minute)
	release2, ok, _ := s.TryAcquire(ctx, "job-1", time.Minute)
	if !ok {
		t.Fatal("acquire after expiry should succeed")
	}
	release()
	if _, ok, _ := s.TryAcquire(ctx, "job-1", time.Minute); ok {
		t.Fatal("stale release must not free the new holder's slot")
	}
	release2()
}

func TestRedisSlots(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	a := NewRedisSlots(client)
	b := NewRedisSlots(client)
	ctx := context.Background()

	release, ok, err := a.TryAcquire(ctx, "job-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire failed: %v", err)
	}
	if ttl := mr.TTL("slot:job-1"); ttl != time.Minute {
		t.Errorf("Expected 1m TTL, got %v", ttl)
	}
	if _, ok, _ := b.TryAcquire(ctx, "job-1", time.Minute); ok {
		t.Fatal("second instance must not acquire a held slot")
	}

	release()
	if mr.Exists("slot:job-1") {
		t.Fatal("release should delete the slot")
	}

	// release only deletes its own token
	release, _, _ = a.TryAcquire(ctx, "job-1", time.Minute)
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := b.TryAcquire(ctx, "job-1", time.Minute); !ok {
		t.Fatal("expired slot should be free")
	}
	release()
	if !mr.Exists("slot:job-1") {
		t.Error("stale release deleted another holder's slot")
	}
}
