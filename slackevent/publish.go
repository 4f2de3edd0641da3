package slackevent

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

const taskSource = "slack-event-ingest"

// EventTypeBacklogRequest tags queue messages so subscriptions can filter
// without deserializing the body.
const EventTypeBacklogRequest = "slack.message.backlog_request"

// TaskPublisher hands qualifying events to the durable queue. The ingest
// handler only depends on this interface so tests can swap the transport.
type TaskPublisher interface {
	Publish(ctx context.Context, task *QueuedTask) (string, error)
}

// Publisher publishes tasks to a Pub/Sub topic. The topic handle is
// constructed in main() and passed in.
type Publisher struct {
	Topic   *pubsub.Topic
	Timeout time.Duration
}

// Publish serializes the task and waits for the server-assigned message id.
// The wait is bounded so a slow broker fails the ingest request instead of
// holding the webhook open.
func (p *Publisher) Publish(ctx context.Context, task *QueuedTask) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(task)
	if err != nil {
		return "", err
	}

	res := p.Topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"eventType": task.EventType,
			"eventId":   task.Data.Metadata.EventId,
		},
	})
	return res.Get(ctx)
}

// NewTask builds the queue envelope for an actionable event.
func NewTask(ev *InboundEvent) *QueuedTask {
	return &QueuedTask{
		MessageId: ev.EventId + "-" + uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    taskSource,
		EventType: EventTypeBacklogRequest,
		Data: TaskData{
			Event: *ev.Event,
			Metadata: TaskMetadata{
				EventId:   ev.EventId,
				TeamId:    ev.TeamId,
				EventTime: ev.EventTime,
			},
		},
		RetryCount: 0,
	}
}
