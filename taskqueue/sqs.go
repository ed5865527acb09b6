package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vidserve/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// maxSQSDelay is the largest DelaySeconds SQS accepts
const maxSQSDelay = 15 * time.Minute

// SQSAPI is the subset of the SQS client the queue uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type sqsMessage struct {
	JobID string `json:"job_id"`
	// NotBefore is set when the delay was longer than SQS allows
	NotBefore *time.Time `json:"not_before,omitempty"`
}

// SQSQueue uses an Amazon SQS queue. Delays longer than 15 minutes are sent
// in hops: a message received before its not-before time is sent again with
// the remaining delay.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
	wait     int32
	now      func() time.Time
}

// NewSQS wraps client. waitSeconds is the long poll duration (0..20).
func NewSQS(client SQSAPI, queueURL string, waitSeconds int32) *SQSQueue {
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if waitSeconds > 20 {
		waitSeconds = 20
	}
	return &SQSQueue{client: client, queueURL: queueURL, wait: waitSeconds, now: time.Now}
}

func (q *SQSQueue) Enqueue(ctx context.Context, jobID string, delay time.Duration) error {
	msg := sqsMessage{JobID: jobID}
	if delay > maxSQSDelay {
		notBefore := q.now().Add(delay)
		msg.NotBefore = &notBefore
	}
	return q.send(ctx, msg, delay)
}

func (q *SQSQueue) send(ctx context.Context, msg sqsMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: sqsDelaySeconds(delay),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context) (*Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.wait,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]
	var msg sqsMessage
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil || msg.JobID == "" {
		// unreadable; delete so it does not come back forever
		poison := fmt.Errorf("sqs message %s has no job id", aws.ToString(m.MessageId))
		if _, derr := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.queueURL),
			ReceiptHandle: m.ReceiptHandle,
		}); derr != nil {
			logger.Warnf("Failed to delete unreadable SQS message %s: %v", aws.ToString(m.MessageId), derr)
			return nil, errors.Join(poison, fmt.Errorf("failed to delete sqs message: %w", derr))
		}
		return nil, poison
	}

	if msg.NotBefore != nil {
		if remaining := msg.NotBefore.Sub(q.now()); remaining > 0 {
			if err := q.send(ctx, msg, remaining); err != nil {
				return nil, err
			}
			if err := q.Ack(ctx, &Delivery{Receipt: aws.ToString(m.ReceiptHandle)}); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	return &Delivery{
		ID:         aws.ToString(m.MessageId),
		JobID:      msg.JobID,
		Receipt:    aws.ToString(m.ReceiptHandle),
		ReceivedAt: q.now(),
	}, nil
}

func (q *SQSQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

func (q *SQSQueue) Close() error { return nil }

func sqsDelaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxSQSDelay {
		d = maxSQSDelay
	}
	return int32((d + time.Second - 1) / time.Second)
}
