// Package models defines the wire shape of observer audit events shared
// between the eventsink publisher and the archiving consumer.
package models

import "time"

// ObserverEvent is the JSON payload published to the event sink subject by
// internal/eventsink.NATSSink — one of ObserverBlockReorganization,
// ObserverLoopSuccess, or ObserverLoopFailure.
type ObserverEvent struct {
	Type   string         `json:"Type"`
	Detail map[string]any `json:"Detail"`
}

// ArchivedEvent is an ObserverEvent as persisted by the consumer, annotated
// with the NATS subject it arrived on and when the consumer received it.
type ArchivedEvent struct {
	Subject    string    `json:"subject"`
	Type       string    `json:"type"`
	Detail     any       `json:"detail"`
	ReceivedAt time.Time `json:"received_at"`
}
