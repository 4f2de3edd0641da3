package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles between config and the
// domain packages.
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	// ContextKeyCorrelationId carries the id tying one webhook delivery to
	// the queue message and worker logs it produced.
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyEventId carries the Slack event id currently in flight.
	ContextKeyEventId = ContextKey("EventId")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
