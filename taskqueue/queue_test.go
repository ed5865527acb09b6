package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestQueue(t *testing.T, path string, clock *fakeClock) *PebbleQueue {
	t.Helper()
	q, err := OpenPebble(path, time.Minute)
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	q.now = clock.Now
	return q
}

func TestPebbleQueueDelay(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, "later", 30*time.Second)
	q.Enqueue(ctx, "now", 0)

	d, err := q.Receive(ctx)
	if err != nil || d == nil || d.JobID != "now" {
		t.Fatalf("Expected immediate item, got %+v (%v)", d, err)
	}
	q.Ack(ctx, d)

	if d, _ := q.Receive(ctx); d != nil {
		t.Fatalf("Delayed item delivered early: %+v", d)
	}

	clock.Advance(30 * time.Second)
	d, err = q.Receive(ctx)
	if err != nil || d == nil || d.JobID != "later" {
		t.Fatalf("Expected delayed item after 30s, got %+v (%v)", d, err)
	}
	q.Ack(ctx, d)

	ready, inflight, _ := q.Len()
	if ready != 0 || inflight != 0 {
		t.Errorf("Expected empty queue, got ready=%d inflight=%d", ready, inflight)
	}
}

func TestPebbleQueueOrdersByVisibility(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, "b", 2*time.Second)
	q.Enqueue(ctx, "a", time.Second)
	clock.Advance(5 * time.Second)

	for _, want := range []string{"a", "b"} {
		d, _ := q.Receive(ctx)
		if d == nil || d.JobID != want {
			t.Fatalf("Expected %s, got %+v", want, d)
		}
		q.Ack(ctx, d)
	}
}

func TestPebbleQueueLeaseExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, "job-1", 0)
	first, _ := q.Receive(ctx)
	if first == nil {
		t.Fatal("Expected a delivery")
	}
	if d, _ := q.Receive(ctx); d != nil {
		t.Fatal("Leased item must not be delivered twice")
	}

	clock.Advance(2 * time.Minute)
	again, _ := q.Receive(ctx)
	if again == nil || again.JobID != "job-1" {
		t.Fatalf("Expected redelivery after lease expiry, got %+v", again)
	}
}

func TestPebbleQueueRecoversInflightOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	clock := &fakeClock{t: time.Now()}
	ctx := context.Background()

	q := openTestQueue(t, path, clock)
	q.Enqueue(ctx, "job-1", 0)
	if d, _ := q.Receive(ctx); d == nil {
		t.Fatal("Expected a delivery")
	}
	q.Close()

	q = openTestQueue(t, path, clock)
	defer q.Close()
	// recovered items are due at the real time of reopening
	clock.Advance(time.Minute)
	d, _ := q.Receive(ctx)
	if d == nil || d.JobID != "job-1" {
		t.Fatalf("Expected in-flight item after reopen, got %+v", d)
	}
}

type fakeSQS struct {
	sent      []*sqs.SendMessageInput
	messages  []types.Message
	deleted   []string
	deleteErr error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{}
	if len(f.messages) > 0 {
		out.Messages = f.messages[:1]
		f.messages = f.messages[1:]
	}
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQS(fake, "https://sqs.us-east-1.amazonaws.com/123/vidserve", 20)
	ctx := context.Background()

	q.Enqueue(ctx, "job-1", 30*time.Second)
	q.Enqueue(ctx, "job-2", time.Hour)
	if got := fake.sent[0].DelaySeconds; got != 30 {
		t.Errorf("Expected 30s delay, got %d", got)
	}
	if got := fake.sent[1].DelaySeconds; got != 900 {
		t.Errorf("Expected delay capped at 900, got %d", got)
	}

	var body sqsMessage
	json.Unmarshal([]byte(aws.ToString(fake.sent[0].MessageBody)), &body)
	if body.JobID != "job-1" {
		t.Errorf("Unexpected message body %s", aws.ToString(fake.sent[0].MessageBody))
	}

	fake.messages = []types.Message{{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("r-1"),
		Body:          fake.sent[0].MessageBody,
	}}
	d, err := q.Receive(ctx)
	if err != nil || d == nil || d.JobID != "job-1" {
		t.Fatalf("Unexpected delivery %+v (%v)", d, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "r-1" {
		t.Errorf("Expected r-1 deleted, got %v", fake.deleted)
	}

	if d, err := q.Receive(ctx); d != nil || err != nil {
		t.Errorf("Expected empty receive, got %+v (%v)", d, err)
	}
}

func TestSQSQueueUnreadableMessage(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQS(fake, "https://sqs.us-east-1.amazonaws.com/123/vidserve", 0)
	ctx := context.Background()

	fake.messages = []types.Message{{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("r-1"),
		Body:          aws.String("not json"),
	}}
	if _, err := q.Receive(ctx); err == nil {
		t.Fatal("Expected an error for an unreadable message")
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "r-1" {
		t.Errorf("Expected the unreadable message deleted, got %v", fake.deleted)
	}

	deleteErr := errors.New("AccessDenied")
	fake.deleteErr = deleteErr
	fake.messages = []types.Message{{
		MessageId:     aws.String("m-2"),
		ReceiptHandle: aws.String("r-2"),
		Body:          aws.String(`{"job_id":""}`),
	}}
	_, err := q.Receive(ctx)
	if !errors.Is(err, deleteErr) {
		t.Errorf("Expected the delete failure to be reported, got %v", err)
	}
}

func TestSQSQueueLongDelayHops(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQS(fake, "https://sqs.us-east-1.amazonaws.com/123/vidserve", 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1", time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	first := fake.sent[0]
	if first.DelaySeconds != 900 {
		t.Fatalf("Expected first hop of 900s, got %d", first.DelaySeconds)
	}

	// first hop arrives 15 minutes later, 45 minutes early
	now = now.Add(15 * time.Minute)
	fake.messages = []types.Message{{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("r-1"),
		Body:          first.MessageBody,
	}}
	d, err := q.Receive(ctx)
	if err != nil || d != nil {
		t.Fatalf("Expected early message to be held back, got %+v (%v)", d, err)
	}
	if len(fake.sent) != 2 || fake.sent[1].DelaySeconds != 900 {
		t.Fatalf("Expected a second 900s hop, got %d sends", len(fake.sent))
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "r-1" {
		t.Errorf("Expected the early message deleted, got %v", fake.deleted)
	}

	// once due the message is delivered
	now = now.Add(45 * time.Minute)
	fake.messages = []types.Message{{
		MessageId:     aws.String("m-2"),
		ReceiptHandle: aws.String("r-2"),
		Body:          first.MessageBody,
	}}
	d, err = q.Receive(ctx)
	if err != nil || d == nil || d.JobID != "job-1" {
		t.Fatalf("Expected delivery once due, got %+v (%v)", d, err)
	}
}
