package slackevent

import "strings"

type Classification int

const (
	// ClassIgnore covers everything that is acknowledged without action.
	ClassIgnore Classification = iota
	// ClassChallenge is the url_verification handshake; it bypasses
	// signature enforcement and echoes the challenge token.
	ClassChallenge
	// ClassActionable is a plain channel message containing the trigger
	// phrase; it is enqueued for the worker.
	ClassActionable
)

// Classify decides what to do with a decoded event. The trigger match is an
// exact, case-sensitive substring check; message subtypes (edits, joins,
// bot posts) are never actionable.
func Classify(ev *InboundEvent, trigger string) Classification {
	if ev == nil {
		return ClassIgnore
	}

	switch ev.Type {
	case "url_verification":
		return ClassChallenge
	case "event_callback":
		msg := ev.Event
		if msg == nil || msg.Type != "message" || msg.Subtype != "" {
			return ClassIgnore
		}
		if trigger == "" || !strings.Contains(msg.Text, trigger) {
			return ClassIgnore
		}
		return ClassActionable
	default:
		return ClassIgnore
	}
}
