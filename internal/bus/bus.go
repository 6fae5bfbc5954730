// Package bus is the thin edge between the core and the publish/subscribe
// substrate. It owns the dispatch envelope wire format and the mapping of
// handler outcomes to ack/nack; it exposes no store or provider types.
//
// Delivery is at-least-once. Consumers must tolerate duplicates; the
// store's dispatch lease provides the per-notification exclusion.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Attribute names propagated alongside payloads.
const (
	AttrTraceID        = "trace_id"
	AttrIdempotencyKey = "idempotency_key"
)

// Attributes is free-form message metadata.
type Attributes map[string]string

// Outcome tells the bus what to do with a consumed message.
type Outcome int

const (
	// Ack removes the message.
	Ack Outcome = iota
	// Nack schedules the message for redelivery.
	Nack
)

// Handler processes one message. It must be safe for concurrent calls.
type Handler func(ctx context.Context, payload []byte, attrs Attributes) Outcome

// Publisher submits messages to a topic.
type Publisher interface {
	// Publish submits a message for immediate delivery.
	Publish(ctx context.Context, topic string, payload []byte, attrs Attributes) error

	// PublishDelayed submits a message that becomes deliverable at the
	// given time. Used to realize retry backoff.
	PublishDelayed(ctx context.Context, topic string, payload []byte, attrs Attributes, deliverAt time.Time) error
}

// Subscriber consumes messages from a topic.
type Subscriber interface {
	// Subscribe blocks, delivering messages to h until ctx is cancelled.
	Subscribe(ctx context.Context, topic string, h Handler) error

	// Close releases the underlying connection.
	Close() error
}

// DispatchSchema versions the dispatch envelope.
const DispatchSchema = "notify/dispatch/v1"

// DispatchEnvelope is the self-describing payload of a dispatch event.
type DispatchEnvelope struct {
	Schema     string    `json:"schema"`
	ID         string    `json:"id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// EncodeDispatch serializes a dispatch event for notification id and the
// given zero-based attempt.
func EncodeDispatch(id string, attempt int) ([]byte, error) {
	env := DispatchEnvelope{
		Schema:     DispatchSchema,
		ID:         id,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding dispatch envelope: %w", err)
	}
	return payload, nil
}

// DecodeDispatch parses and validates a dispatch envelope.
func DecodeDispatch(payload []byte) (DispatchEnvelope, error) {
	var env DispatchEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("decoding dispatch envelope: %w", err)
	}
	if env.Schema != DispatchSchema {
		return env, fmt.Errorf("unsupported envelope schema %q", env.Schema)
	}
	if env.ID == "" {
		return env, fmt.Errorf("dispatch envelope has no id")
	}
	return env, nil
}
