package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSink publishes observer events to a JetStream subject.
type NATSSink struct {
	js      nats.JetStreamContext
	subject string
	logger  zerolog.Logger
}

// NewNATSSink connects to url and binds to subject. The stream backing
// subject must be pre-provisioned (name, retention, dedup window) by the
// deployment.
func NewNATSSink(url, subject string, logger zerolog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("anchor-observer"))
	if err != nil {
		return nil, fmt.Errorf("eventsink: connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventsink: jetstream context: %w", err)
	}

	return &NATSSink{
		js:      js,
		subject: subject,
		logger:  logger.With().Str("component", "eventsink.nats").Logger(),
	}, nil
}

// Emit publishes event with a unique message ID. Recurring event types
// (LoopSuccess fires every tick) must not collapse in the stream's dedup
// window, so the ID carries the emission time rather than the content.
func (s *NATSSink) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventsink: marshal event: %w", err)
	}

	msgID := fmt.Sprintf("%s-%d", event.Type, time.Now().UnixNano())

	_, err = s.js.Publish(s.subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("eventsink: publish %s: %w", event.Type, err)
	}

	s.logger.Debug().Str("type", string(event.Type)).Msg("event published")
	return nil
}
