// Package broker implements distworker.Broker and distworker.BrokerHandle
// against an SQS queue: ReceiveMessage for reservation, periodic
// ChangeMessageVisibility for the heartbeat, and ChangeMessageVisibility(0)
// or DeleteMessage to release or acknowledge.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/distexec/worker/internal/distworker"
)

// ReceiveWaitSeconds is the long-poll wait used on every ReceiveMessage
// call, the SQS-recommended maximum.
const ReceiveWaitSeconds = 20

// SQSBroker implements distworker.Broker against a single SQS queue.
type SQSBroker struct {
	client            *sqs.Client
	queueURL          string
	visibilityTimeout int32
}

// New builds an SQSBroker. visibilityTimeoutSecs is both the initial
// reservation's visibility window and the window every Touch call
// renews it to.
func New(client *sqs.Client, queueURL string, visibilityTimeoutSecs int32) *SQSBroker {
	return &SQSBroker{client: client, queueURL: queueURL, visibilityTimeout: visibilityTimeoutSecs}
}

// Reserve long-polls until a message is available, parses it as a
// distworker.Task, and returns it with a handle bound to the message's
// receipt handle. A message this worker cannot parse as a Task is
// deleted outright — redelivering it would only repeat the same
// failure on the next worker to reserve it.
func (b *SQSBroker) Reserve(ctx context.Context) (distworker.ReservedTask, error) {
	for {
		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(b.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     ReceiveWaitSeconds,
			VisibilityTimeout:   b.visibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return distworker.ReservedTask{}, ctx.Err()
			}
			return distworker.ReservedTask{}, fmt.Errorf("receive message: %w", err)
		}
		if len(out.Messages) == 0 {
			continue
		}

		msg := out.Messages[0]
		var task distworker.Task
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &task); err != nil {
			deleteCtx, cancel := context.WithTimeout(context.Background(), receiveCleanupTimeout)
			_, delErr := b.client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(b.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			cancel()
			if delErr != nil {
				return distworker.ReservedTask{}, fmt.Errorf("unparseable message, and could not delete it: %w", errors.Join(err, delErr))
			}
			continue
		}

		handle := &sqsHandle{
			client:            b.client,
			queueURL:          b.queueURL,
			receiptHandle:     aws.ToString(msg.ReceiptHandle),
			visibilityTimeout: b.visibilityTimeout,
		}
		return distworker.ReservedTask{Task: task, Handle: handle}, nil
	}
}

// receiveCleanupTimeout bounds the best-effort delete of an unparseable
// message; it must not block Reserve indefinitely.
const receiveCleanupTimeout = 10 * time.Second

type sqsHandle struct {
	client            *sqs.Client
	queueURL          string
	receiptHandle     string
	visibilityTimeout int32
}

// Touch extends the message's visibility timeout, the SQS analogue of a
// queue-level heartbeat.
func (h *sqsHandle) Touch(ctx context.Context) error {
	_, err := h.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(h.queueURL),
		ReceiptHandle:     aws.String(h.receiptHandle),
		VisibilityTimeout: h.visibilityTimeout,
	})
	if err != nil {
		return fmt.Errorf("change message visibility: %w", err)
	}
	return nil
}

// Release sets the message's visibility timeout to zero, making it
// immediately eligible for redelivery to another worker.
func (h *sqsHandle) Release(ctx context.Context) error {
	_, err := h.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(h.queueURL),
		ReceiptHandle:     aws.String(h.receiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// Delete acknowledges the message, removing it from the queue for good.
func (h *sqsHandle) Delete(ctx context.Context) error {
	_, err := h.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(h.queueURL),
		ReceiptHandle: aws.String(h.receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
