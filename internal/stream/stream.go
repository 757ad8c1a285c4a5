// Package stream provides the durable event stream between ingestion and the
// dispatch consumer.
//
// Two implementations exist: a Redis Streams implementation used in
// production and an in-memory implementation used by tests. Both expose
// consumer-group semantics: fetched messages stay pending until acked, and a
// message that keeps failing is moved to a dead-letter list.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

// DeadLetterEntry is the JSON shape stored on the dead-letter list.
type DeadLetterEntry struct {
	StreamID string          `json:"stream_id"`
	Reason   string          `json:"reason"`
	Payload  json.RawMessage `json:"payload"`
	FailedAt time.Time       `json:"failed_at"`
}

// Message is one stream entry as seen by a consumer.
type Message struct {
	// ID is the stream-assigned entry ID.
	ID string
	// Payload is the raw event envelope as appended by ingestion.
	Payload []byte
	// Deliveries is how many times this entry has been handed to a
	// consumer, this fetch included.
	Deliveries int64
}

// Stream is the durable append/consume contract.
type Stream interface {
	// Append adds a payload to the stream and returns its entry ID.
	Append(ctx context.Context, payload []byte) (string, error)

	// Fetch hands up to count new entries to the named consumer, blocking
	// up to block when the stream is empty. Fetched entries stay pending
	// until acked.
	Fetch(ctx context.Context, consumer string, count int64, block time.Duration) ([]*Message, error)

	// Reclaim takes over pending entries idle for at least minIdle,
	// typically left behind by a crashed consumer. Delivery counts
	// reflect the redelivery.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*Message, error)

	// Ack marks an entry as fully processed.
	Ack(ctx context.Context, id string) error

	// DeadLetter moves an entry to the dead-letter list and acks it.
	DeadLetter(ctx context.Context, msg *Message, reason string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
