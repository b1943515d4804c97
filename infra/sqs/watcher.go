// Package sqs receives machine state-change events from an SQS queue fed
// by the provider's event bus.
//
// Messages are deleted only after the handler succeeds, so delivery is
// at-least-once; the lifecycle controller's state-change path is
// idempotent under that replay.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"boxd"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	waitTimeSeconds = 20
	batchSize       = 10
	receiveBackoff  = time.Second
)

// API is the slice of the SQS client the watcher uses. Satisfied by
// *sqs.Client.
type API interface {
	ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, opts ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, opts ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Handler processes one decoded state-change event. A returned error
// leaves the message on the queue for redelivery.
type Handler func(ctx context.Context, event boxd.StateChanged) error

// Watcher long-polls one queue and forwards state-change events for the
// managed machine to a handler.
type Watcher struct {
	api        API
	queueURL   string
	instanceID string
}

// New creates a watcher with the default AWS credential chain.
func New(ctx context.Context, region, queueURL, instanceID string) (*Watcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Watcher{api: awssqs.NewFromConfig(cfg), queueURL: queueURL, instanceID: instanceID}, nil
}

// NewWithAPI wraps an existing SQS client (tests, custom endpoints).
func NewWithAPI(api API, queueURL, instanceID string) *Watcher {
	return &Watcher{api: api, queueURL: queueURL, instanceID: instanceID}
}

// Run polls until ctx is cancelled. Receive failures are logged and
// retried after a short pause; they never terminate the watcher.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := w.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.queueURL),
			MaxNumberOfMessages: batchSize,
			WaitTimeSeconds:     waitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Receiving state-change events failed.", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}

		for _, message := range out.Messages {
			w.process(ctx, message, handle)
		}
	}
}

func (w *Watcher) process(ctx context.Context, message sqstypes.Message, handle Handler) {
	event, ok := w.decode(aws.ToString(message.Body))
	if !ok {
		// Not a state-change for the managed machine: acknowledge and drop.
		w.delete(ctx, message)
		return
	}

	if err := handle(ctx, event); err != nil {
		// Leave the message for redelivery; the handler is idempotent.
		slog.Error("State-change handler failed, leaving event queued.", "state", event.State, "err", err)
		return
	}
	w.delete(ctx, message)
}

// envelope is the event-bus shape: the source marker distinguishes
// machine state-changes from everything else on the queue.
type envelope struct {
	Source string `json:"source"`
	Detail struct {
		InstanceID string `json:"instance-id"`
		State      string `json:"state"`
	} `json:"detail"`
}

func (w *Watcher) decode(body string) (boxd.StateChanged, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		slog.Debug("Dropping undecodable event.", "err", err)
		return boxd.StateChanged{}, false
	}
	switch env.Source {
	case "ec2", "aws.ec2":
	default:
		return boxd.StateChanged{}, false
	}
	if env.Detail.InstanceID != w.instanceID {
		return boxd.StateChanged{}, false
	}
	return boxd.StateChanged{InstanceID: env.Detail.InstanceID, State: env.Detail.State}, true
}

func (w *Watcher) delete(ctx context.Context, message sqstypes.Message) {
	if _, err := w.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	}); err != nil {
		// The message will come back; the handler tolerates the replay.
		slog.Warn("Deleting handled event failed.", "err", err)
	}
}
