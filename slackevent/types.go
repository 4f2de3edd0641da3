package slackevent

// InboundEvent is the outer Slack Events API payload. It is request-scoped
// and never mutated after decoding.
type InboundEvent struct {
	Type      string        `json:"type"`
	Token     string        `json:"token,omitempty"`
	Challenge string        `json:"challenge,omitempty"`
	TeamId    string        `json:"team_id,omitempty"`
	EventId   string        `json:"event_id,omitempty"`
	EventTime int64         `json:"event_time,omitempty"`
	Event     *MessageEvent `json:"event,omitempty"`
}

// MessageEvent is the embedded message event inside an event_callback.
type MessageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Text     string `json:"text"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	Ts       string `json:"ts"`
	ThreadTs string `json:"thread_ts,omitempty"`
}

// QueuedTask is the queue message envelope. The worker only needs the
// message event fields plus the metadata for idempotency and logging.
type QueuedTask struct {
	MessageId  string   `json:"messageId"`
	Timestamp  string   `json:"timestamp"`
	Source     string   `json:"source"`
	EventType  string   `json:"eventType"`
	Data       TaskData `json:"data"`
	RetryCount int      `json:"retryCount"`
}

type TaskData struct {
	Event    MessageEvent `json:"event"`
	Metadata TaskMetadata `json:"metadata"`
}

type TaskMetadata struct {
	EventId   string `json:"eventId"`
	TeamId    string `json:"teamId"`
	EventTime int64  `json:"eventTime"`
}
