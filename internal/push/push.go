// Package push defines the events delivered to clients outside the
// request/response path.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"time"
)

// Event types.
const (
	TypeProcessingStarted = "processing_started"
	TypeAgentStatus       = "agent_status"
	TypeAgentResponse     = "agent_response"
	TypeError             = "error"
	TypePong              = "pong"
	TypeUserMessageEcho   = "user_message_echo"
	TypeSessionStatus     = "session_status"
)

// Event is one push message. Payload keys are flattened next to type,
// session_id and timestamp on the wire.
type Event struct {
	Type      string
	SessionID string
	Timestamp time.Time
	Payload   map[string]any
}

// New builds an event stamped with the current time.
func New(typ, sessionID string, payload map[string]any) Event {
	return Event{
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// MarshalJSON flattens the payload into the envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	maps.Copy(out, e.Payload)
	out["type"] = e.Type
	out["session_id"] = e.SessionID
	out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// Publisher delivers events for a session.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Tee publishes to every publisher in order and joins their errors.
func Tee(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		var errs []error
		for _, p := range pubs {
			if p == nil {
				continue
			}
			if err := p.Publish(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Send publishes ev and logs a failed delivery. Push delivery is best
// effort: a client that is not connected simply misses the event.
func Send(ctx context.Context, pub Publisher, logger *slog.Logger, ev Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		logger.Debug("Push delivery failed", "session_id", ev.SessionID, "type", ev.Type, "error", err)
	}
}
