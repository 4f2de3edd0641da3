package slackevent

import (
	"encoding/json"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/slack2backlog_backend/config"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"
)

// EventsHandler is the webhook ingest endpoint. Order matters here:
// url_verification is answered before any signature check (the handshake is
// the one unauthenticated path), then the signature gates everything else.
func EventsHandler(verifier *Verifier, publisher TaskPublisher, trigger string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "handler.go", "EventsHandler", "io.ReadAll", nil, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		var ev InboundEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			config.LogError(logger, "handler.go", "EventsHandler", "Unmarshal body", string(body), err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		class := Classify(&ev, trigger)
		if class == ClassChallenge {
			c.JSON(http.StatusOK, gin.H{"challenge": ev.Challenge})
			return
		}

		signature := c.GetHeader(HeaderSignature)
		timestamp := c.GetHeader(HeaderTimestamp)
		if signature == "" || timestamp == "" {
			logger.WithFields(logrus.Fields{
				"module":   "slackevent",
				"event_id": ev.EventId,
			}).Warn("missing signature headers")
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing required headers"})
			return
		}

		if err := verifier.Verify(signature, timestamp, body); err != nil {
			logger.WithFields(logrus.Fields{
				"module":   "slackevent",
				"event_id": ev.EventId,
			}).Warn("invalid request signature: " + err.Error())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		if class == ClassActionable {
			task := NewTask(&ev)
			msgID, err := publisher.Publish(c.Request.Context(), task)
			if err != nil {
				// Dropping an actionable event silently is worse than
				// asking Slack to redeliver.
				config.LogError(logger, "handler.go", "EventsHandler", "Publish", task.Data.Metadata, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				return
			}
			logger.WithFields(logrus.Fields{
				"module":     "slackevent",
				"event_id":   ev.EventId,
				"message_id": msgID,
				"channel":    ev.Event.Channel,
			}).Info("task enqueued")
		}

		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
