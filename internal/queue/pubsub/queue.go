// Package pubsub backs the task queue with Google Cloud Pub/Sub for
// multi-node deployments. Tasks are JSON on the wire; delivery is
// at-least-once, so handlers must stay idempotent.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/ingest"
)

// Config names the Pub/Sub resources.
type Config struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// Queue implements ingest.TaskQueue on a Pub/Sub topic/subscription pair.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	recvOnce sync.Once
	recvErr  error
	tasks    chan ingest.Task
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewQueue creates a Pub/Sub client and verifies the topic and subscription
// exist. Authentication uses Application Default Credentials.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		closeQuietly(client, logger)
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicID, err)
	}
	if !ok {
		closeQuietly(client, logger)
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}

	sub := client.Subscription(cfg.SubscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		closeQuietly(client, logger)
		return nil, fmt.Errorf("check pubsub subscription %q: %w", cfg.SubscriptionID, err)
	}
	if !ok {
		closeQuietly(client, logger)
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}

	return &Queue{
		client: client,
		topic:  topic,
		sub:    sub,
		logger: logger,
		tasks:  make(chan ingest.Task, 16),
		done:   make(chan struct{}),
	}, nil
}

// Enqueue publishes the task and waits for the server acknowledgement, so a
// returned nil means the task is durable.
func (q *Queue) Enqueue(ctx context.Context, task ingest.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"task":      string(task.Name),
			"source_id": task.SourceID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return ingest.Transient("publish task", err)
	}
	return nil
}

// Dequeue returns the next task. The first call starts the streaming
// receiver; messages are acked on handoff, so redelivery covers crashes
// between publish and handoff but not handler failures (the worker
// re-enqueues those explicitly).
func (q *Queue) Dequeue(ctx context.Context) (ingest.Task, error) {
	q.recvOnce.Do(q.startReceiver)
	select {
	case <-ctx.Done():
		return ingest.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.tasks:
		if !ok {
			if q.recvErr != nil {
				return ingest.Task{}, fmt.Errorf("pubsub receive stopped: %w", q.recvErr)
			}
			return ingest.Task{}, fmt.Errorf("queue closed")
		}
		return task, nil
	}
}

func (q *Queue) startReceiver() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer close(q.done)
		defer close(q.tasks)
		q.recvErr = q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			var task ingest.Task
			if err := json.Unmarshal(msg.Data, &task); err != nil {
				q.logger.Warn("dropping malformed task message", zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.tasks <- task:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
	}()
}

// Close stops the receiver and the publisher and closes the client.
func (q *Queue) Close() error {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func closeQuietly(client *pubsub.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close pubsub client", zap.Error(err))
	}
}
