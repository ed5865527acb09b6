package job

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vidserve/models"
)

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://youtube.com/watch?v=dQw4w9WgXcQ&t=42", "dQw4w9WgXcQ", true},
		{"https://m.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://youtu.be/dQw4w9WgXcQ?si=abc", "dQw4w9WgXcQ", true},
		{"https://www.youtube.com/shorts/abcdefghijk", "abcdefghijk", true},
		{"https://www.youtube.com/embed/A_b-C_d-E_f", "A_b-C_d-E_f", true},
		{"  https://www.youtube.com/watch?v=dQw4w9WgXcQ  ", "dQw4w9WgXcQ", true},
		{"https://vimeo.com/123456", "", false},
		{"ftp://youtube.com/watch?v=dQw4w9WgXcQ", "", false},
		{"https://www.youtube.com/watch?v=short", "", false},
		{"https://www.youtube.com/channel/UC123", "", false},
		{"not a url", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ExtractVideoID(tt.url)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ExtractVideoID(%q) = %q, %v; want %q", tt.url, got, err, tt.want)
		}
		if !tt.ok {
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("ExtractVideoID(%q) should fail with ValidationError, got %v", tt.url, err)
			}
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, nil)
	tests := []struct {
		name string
		req  DownloadRequest
	}{
		{"audio with quality", DownloadRequest{URL: testVideoURL, Format: "mp3", Quality: "720p"}},
		{"unknown format", DownloadRequest{URL: testVideoURL, Format: "flv"}},
		{"missing format", DownloadRequest{URL: testVideoURL}},
		{"unknown quality", DownloadRequest{URL: testVideoURL, Format: "mp4", Quality: "8k"}},
		{"bad url", DownloadRequest{URL: "https://example.com/v", Format: "mp4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(context.Background(), tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
		})
	}

	jobs, _ := h.store.ListByStatus(context.Background(), models.StatusPending)
	if len(jobs) != 0 {
		t.Errorf("Rejected requests must not create jobs, found %d", len(jobs))
	}
	if len(h.queue.items) != 0 {
		t.Errorf("Rejected requests must not be queued")
	}
}

func TestAsyncSuccess720p(t *testing.T) {
	gw := &fakeGateway{size: 1000000}
	h := newHarness(t, gw, nil)
	ctx := context.Background()

	j := h.submit(t, DownloadRequest{Format: "mp4", Quality: "720p", Async: true})
	if j.Status != models.StatusPending {
		t.Fatalf("Expected pending, got %s", j.Status)
	}
	if d := h.queue.delays(); len(d) != 1 || d[0] != 0 {
		t.Fatalf("Expected one immediate enqueue, got %v", d)
	}

	if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
		t.Fatalf("HandleDelivery failed: %v", err)
	}

	got := h.get(t, j.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("Expected completed, got %s", got.Status)
	}
	art, ok := got.Artifact()
	if !ok || art.OutputPath != gw.lastPath || art.ByteSize != 1000000 {
		t.Errorf("Unexpected artifact %+v, want path %s", art, gw.lastPath)
	}
	if got.Title != "Test Video" || got.DurationSeconds != 212 {
		t.Errorf("Metadata not recorded: %+v", got)
	}
	if got.Attempts != 1 || got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("Unexpected lifecycle fields %+v", got)
	}
	wantPrefix := "dQw4w9WgXcQ_" + j.ID[:8] + "_Test_Video"
	if !strings.Contains(art.OutputPath, wantPrefix) || !strings.HasSuffix(art.OutputPath, ".mp4") {
		t.Errorf("Unexpected output path %s", art.OutputPath)
	}
}

func TestPrivateVideoIsNotRetried(t *testing.T) {
	gw := &fakeGateway{errs: []error{errors.New("ERROR: [youtube] dQw4w9WgXcQ: Private video. Sign in if you've been granted access")}}
	h := newHarness(t, gw, nil)

	j := h.submit(t, DownloadRequest{Format: "mp4", Async: true})
	if err := h.orch.HandleDelivery(context.Background(), j.ID); err != nil {
		t.Fatalf("HandleDelivery failed: %v", err)
	}

	got := h.get(t, j.ID)
	msg, failed := got.FailureMessage()
	if !failed || !strings.Contains(msg, "Private video") {
		t.Fatalf("Expected failed with gateway message, got %s %q", got.Status, msg)
	}
	if got.Attempts != 1 || gw.calls() != 1 {
		t.Errorf("Expected exactly one attempt, got %d (%d calls)", got.Attempts, gw.calls())
	}
	if len(h.queue.items) != 1 {
		t.Errorf("No retry may be scheduled, queue saw %v", h.queue.delays())
	}
	if _, ok := got.Artifact(); ok {
		t.Error("Failed job must not have an artifact")
	}
}

func TestFailFailSucceed(t *testing.T) {
	gw := &fakeGateway{errs: []error{errNetwork, errNetwork}, size: 42}
	h := newHarness(t, gw, nil)
	ctx := context.Background()

	j := h.submit(t, DownloadRequest{Format: "webm", Async: true})

	if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	got := h.get(t, j.ID)
	if got.Status != models.StatusProcessing || got.Attempts != 1 || got.RetryAt == nil {
		t.Fatalf("After attempt 1: %+v", got)
	}
	if !got.RetryAt.Equal(h.clock.Now().Add(30 * time.Second)) {
		t.Errorf("Expected retry in 30s, got %v", got.RetryAt)
	}

	// an early delivery is dropped without touching the gateway
	if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
		t.Fatalf("early delivery: %v", err)
	}
	if gw.calls() != 1 {
		t.Fatalf("Early delivery invoked the gateway")
	}

	h.clock.Advance(30 * time.Second)
	if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	if got := h.get(t, j.ID); got.Attempts != 2 || got.Status != models.StatusProcessing {
		t.Fatalf("After attempt 2: %+v", got)
	}

	h.clock.Advance(60 * time.Second)
	if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
		t.Fatalf("attempt 3: %v", err)
	}

	got = h.get(t, j.ID)
	if got.Status != models.StatusCompleted || got.Attempts != 3 {
		t.Fatalf("Expected completed after 3 attempts, got %s/%d", got.Status, got.Attempts)
	}
	if got.RetryAt != nil {
		t.Error("Completed job must not keep a retry time")
	}

	want := []time.Duration{0, 30 * time.Second, 60 * time.Second}
	delays := h.queue.delays()
	if len(delays) != len(want) {
		t.Fatalf("Expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	gw := &fakeGateway{errs: []error{errNetwork, errNetwork, errors.New("connection reset by peer")}}
	h := newHarness(t, gw, nil)
	ctx := context.Background()

	j := h.submit(t, DownloadRequest{Format: "mp3", Async: true})
	for i := 0; i < 3; i++ {
		if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		h.clock.Advance(5 * time.Minute)
	}

	got := h.get(t, j.ID)
	msg, failed := got.FailureMessage()
	if !failed || msg != "connection reset by peer" {
		t.Fatalf("Expected failure with last message, got %s %q", got.Status, msg)
	}
	if got.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", got.Attempts)
	}
}

func TestRedeliveryOfTerminalJobIsNoop(t *testing.T) {
	gw := &fakeGateway{size: 10}
	h := newHarness(t, gw, nil)
	ctx := context.Background()

	j := h.submit(t, DownloadRequest{Format: "mp4", Async: true})
	h.orch.HandleDelivery(ctx, j.ID)
	before := h.get(t, j.ID)

	for i := 0; i < 3; i++ {
		if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
			t.Fatalf("redelivery: %v", err)
		}
	}
	after := h.get(t, j.ID)
	if gw.calls() != 1 {
		t.Errorf("Redelivery invoked the gateway %d times", gw.calls()-1)
	}
	if after.Attempts != before.Attempts || !after.CompletedAt.Equal(*before.CompletedAt) {
		t.Error("Redelivery changed the job")
	}

	if err := h.orch.HandleDelivery(ctx, "unknown-job"); err != nil {
		t.Errorf("Unknown job should be dropped, got %v", err)
	}
}

func TestConcurrentDeliveryIsDropped(t *testing.T) {
	gw := &fakeGateway{size: 10}
	h := newHarness(t, gw, nil)
	ctx := context.Background()

	j := h.submit(t, DownloadRequest{Format: "mp4", Async: true})
	release, ok, _ := h.orch.slots.TryAcquire(ctx, j.ID, time.Minute)
	if !ok {
		t.Fatal("Expected to acquire the slot")
	}

	if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
		t.Fatalf("HandleDelivery failed: %v", err)
	}
	if gw.calls() != 0 {
		t.Error("Gateway invoked while the slot was held")
	}
	if got := h.get(t, j.ID); got.Status != models.StatusPending {
		t.Errorf("Dropped delivery changed status to %s", got.Status)
	}

	release()
	h.orch.HandleDelivery(ctx, j.ID)
	if got := h.get(t, j.ID); got.Status != models.StatusCompleted {
		t.Errorf("Expected completed after release, got %s", got.Status)
	}
}

func TestMissingArtifactIsRetryable(t *testing.T) {
	gw := &fakeGateway{skipWrite: true}
	h := newHarness(t, gw, nil)

	j := h.submit(t, DownloadRequest{Format: "avi", Async: true})
	h.orch.HandleDelivery(context.Background(), j.ID)

	got := h.get(t, j.ID)
	if got.Status != models.StatusProcessing || got.RetryAt == nil {
		t.Fatalf("Expected a scheduled retry, got %s", got.Status)
	}
}

func TestAttemptTimeout(t *testing.T) {
	gw := &fakeGateway{block: true}
	h := newHarness(t, gw, func(o *Options) {
		o.Timeout = 50 * time.Millisecond
		o.MaxAttempts = 1
	})

	j := h.submit(t, DownloadRequest{Format: "mp4", Async: true})
	if err := h.orch.HandleDelivery(context.Background(), j.ID); err != nil {
		t.Fatalf("HandleDelivery failed: %v", err)
	}

	got := h.get(t, j.ID)
	msg, failed := got.FailureMessage()
	if !failed || !strings.Contains(msg, "timed out") {
		t.Errorf("Expected timed out failure, got %s %q", got.Status, msg)
	}
}

func TestShutdownDuringAttemptLeavesJobProcessing(t *testing.T) {
	gw := &fakeGateway{block: true}
	h := newHarness(t, gw, nil)

	j := h.submit(t, DownloadRequest{Format: "mp4", Async: true})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := h.orch.HandleDelivery(ctx, j.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	got := h.get(t, j.ID)
	if got.Status != models.StatusProcessing {
		t.Errorf("Interrupted job must stay processing, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("Interrupted attempt must not be counted, got %d attempts", got.Attempts)
	}
}

func TestInterruptedAttemptsDoNotExhaustBudget(t *testing.T) {
	gw := &fakeGateway{block: true, size: 10}
	h := newHarness(t, gw, func(o *Options) { o.MaxAttempts = 1 })

	j := h.submit(t, DownloadRequest{Format: "mp4", Async: true})
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := h.orch.HandleDelivery(ctx, j.ID)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected the shutdown error, got %v", err)
		}
	}

	gw.block = false
	if err := h.orch.HandleDelivery(context.Background(), j.ID); err != nil {
		t.Fatalf("HandleDelivery failed: %v", err)
	}
	got := h.get(t, j.ID)
	if got.Status != models.StatusCompleted || got.Attempts != 1 {
		t.Errorf("Expected completed on the first counted attempt, got %s after %d", got.Status, got.Attempts)
	}
}

func TestDuplicateSubmission(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, nil)
	ctx := context.Background()

	first := h.submit(t, DownloadRequest{Format: "mp4", Async: true})

	dup, err := h.orch.Submit(ctx, DownloadRequest{URL: testVideoURL, Format: "mp4", ClientIP: "198.51.100.7", Async: true})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("Expected ErrDuplicateRequest, got %v", err)
	}
	if dup == nil || dup.ID != first.ID {
		t.Errorf("Expected the existing job back")
	}

	// other format and other client are separate requests
	h.submit(t, DownloadRequest{Format: "mp3", Async: true})
	h.submit(t, DownloadRequest{Format: "mp4", ClientIP: "198.51.100.8", Async: true})

	h.clock.Advance(61 * time.Second)
	h.submit(t, DownloadRequest{Format: "mp4", Async: true})
}

func TestRunSync(t *testing.T) {
	gw := &fakeGateway{size: 1000000}
	h := newHarness(t, gw, nil)
	ctx := context.Background()

	j := h.submit(t, DownloadRequest{Format: "mp4", Quality: "1080p"})
	if len(h.queue.items) != 0 {
		t.Fatal("Sync submissions must not be queued")
	}

	done, err := h.orch.RunSync(ctx, j)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("Expected completed, got %s", done.Status)
	}
	if got := h.get(t, j.ID); got.Status != models.StatusCompleted {
		t.Errorf("Stored status %s", got.Status)
	}
}

func TestRunSyncFailure(t *testing.T) {
	gw := &fakeGateway{errs: []error{errNetwork}}
	h := newHarness(t, gw, nil)

	j := h.submit(t, DownloadRequest{Format: "mp4"})
	done, err := h.orch.RunSync(context.Background(), j)
	if !errors.Is(err, errNetwork) {
		t.Fatalf("Expected the gateway error, got %v", err)
	}
	// sync jobs get a single attempt even for retryable errors
	if done.Status != models.StatusFailed || len(h.queue.items) != 0 {
		t.Errorf("Expected failed without retry, got %s", done.Status)
	}
}

func TestRunSyncCallerGoneHandsJobToQueue(t *testing.T) {
	gw := &fakeGateway{block: true, size: 10}
	h := newHarness(t, gw, nil)

	j := h.submit(t, DownloadRequest{Format: "mp4"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := h.orch.RunSync(ctx, j)
	if !errors.Is(err, ErrQueued) {
		t.Fatalf("Expected ErrQueued, got %v", err)
	}
	got := h.get(t, j.ID)
	if _, failed := got.FailureMessage(); failed || got.Status != models.StatusProcessing {
		t.Fatalf("Caller disconnect must not fail the job, got %s", got.Status)
	}
	if len(h.queue.items) != 1 || h.queue.items[0].jobID != j.ID {
		t.Fatalf("Expected the job to be queued, got %+v", h.queue.items)
	}

	gw.block = false
	if err := h.orch.HandleDelivery(context.Background(), j.ID); err != nil {
		t.Fatalf("HandleDelivery failed: %v", err)
	}
	if got := h.get(t, j.ID); got.Status != models.StatusCompleted {
		t.Errorf("Expected a worker to complete the job, got %s", got.Status)
	}
}

func TestRunSyncQueuesWhenSlotBusy(t *testing.T) {
	gw := &fakeGateway{size: 10}
	h := newHarness(t, gw, nil)
	ctx := context.Background()

	j := h.submit(t, DownloadRequest{Format: "mp4"})
	release, ok, err := h.orch.slots.TryAcquire(ctx, j.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire failed: %v %v", ok, err)
	}

	done, err := h.orch.RunSync(ctx, j)
	if !errors.Is(err, ErrQueued) {
		t.Fatalf("Expected ErrQueued, got %v", err)
	}
	if done.Status != models.StatusPending || gw.calls() != 0 {
		t.Errorf("Job must not run while the slot is held, got %s", done.Status)
	}
	if len(h.queue.items) != 1 || h.queue.items[0].jobID != j.ID {
		t.Errorf("Expected the job to be queued, got %+v", h.queue.items)
	}
	release()

	if err := h.orch.HandleDelivery(ctx, j.ID); err != nil {
		t.Fatalf("HandleDelivery failed: %v", err)
	}
	if got := h.get(t, j.ID); got.Status != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
}

func TestBackoffReusesLastEntry(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, nil)
	want := map[int]time.Duration{0: 30 * time.Second, 1: 30 * time.Second, 2: time.Minute, 3: 5 * time.Minute, 7: 5 * time.Minute}
	for attempt, d := range want {
		if got := h.orch.backoff(attempt); got != d {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, d)
		}
	}
}

func TestMirrorFailureDoesNotFailJob(t *testing.T) {
	gw := &fakeGateway{size: 10}
	m := &failingMirror{}
	h := newHarness(t, gw, func(o *Options) { o.Mirror = m })

	j := h.submit(t, DownloadRequest{Format: "mp4", Async: true})
	h.orch.HandleDelivery(context.Background(), j.ID)

	if got := h.get(t, j.ID); got.Status != models.StatusCompleted {
		t.Errorf("Mirror failure changed status to %s", got.Status)
	}
	if m.calls != 1 {
		t.Errorf("Expected one mirror call, got %d", m.calls)
	}
}

type failingMirror struct{ calls int }

func (m *failingMirror) Put(context.Context, string, string) error {
	m.calls++
	return errors.New("bucket not found")
}

func (m *failingMirror) Name() string { return "failing" }
