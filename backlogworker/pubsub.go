package backlogworker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/slack2backlog_backend/appctx"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/config"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/slackevent"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PushEnvelope is the wrapper Pub/Sub push delivery puts around the message.
// Data is base64 in the wire JSON; []byte unmarshalling handles the decode.
type PushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushHandler is the push-mode consumer endpoint. 204 acks the message; 500
// leaves it to Pub/Sub's redelivery and dead-letter policy. Payloads that can
// never decode are acked so a poisoned message cannot loop forever; a
// transport read failure is not poison and must be redelivered.
func PushHandler(engine *Engine, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "pubsub.go", "PushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusInternalServerError)
			return
		}

		var envelope PushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "pubsub.go", "PushHandler", "Unmarshal envelope", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		var task slackevent.QueuedTask
		if err := json.Unmarshal(envelope.Message.Data, &task); err != nil {
			config.LogError(logger, "pubsub.go", "PushHandler", "Unmarshal task", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}
		if task.MessageId == "" {
			task.MessageId = envelope.Message.ID
		}
		ctx := appctx.Set(c.Request.Context(), appctx.ContextKeyCorrelationId, envelope.Message.ID)

		if _, err := engine.Process(ctx, &task); err != nil {
			if errors.Is(err, ErrInvalidTask) {
				c.Status(http.StatusNoContent)
				return
			}
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// Run is the pull-mode consumer loop. Concurrency is bounded through
// ReceiveSettings so external-API load stays bounded; Ack/Nack mirrors the
// push handler's 204/500 semantics.
func Run(ctx context.Context, sub *pubsub.Subscription, engine *Engine, logger *logrus.Logger) error {
	sub.ReceiveSettings.MaxOutstandingMessages = engine.workers()
	sub.ReceiveSettings.NumGoroutines = 1

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var task slackevent.QueuedTask
		if err := json.Unmarshal(m.Data, &task); err != nil {
			config.LogError(logger, "pubsub.go", "Run", "Unmarshal task", m.ID, err)
			m.Ack()
			return
		}
		if task.MessageId == "" {
			task.MessageId = m.ID
		}
		ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, m.ID)

		if _, err := engine.Process(ctx, &task); err != nil {
			if errors.Is(err, ErrInvalidTask) {
				m.Ack()
				return
			}
			m.Nack()
			return
		}
		m.Ack()
	})
}
