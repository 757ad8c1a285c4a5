package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStream is an in-memory Stream for tests. A single implicit consumer
// group tracks a read cursor and a pending entry list, mirroring the Redis
// semantics closely enough to exercise consumers.
type MemoryStream struct {
	mu      sync.Mutex
	entries []memoryEntry
	cursor  int
	pending map[string]*pendingEntry
	dead    []DeadLetterEntry
	nextID  int64
	closed  bool
}

type memoryEntry struct {
	id      string
	payload []byte
}

type pendingEntry struct {
	payload    []byte
	deliveries int64
	lastFetch  time.Time
}

var _ Stream = (*MemoryStream)(nil)

// NewMemory creates an empty MemoryStream.
func NewMemory() *MemoryStream {
	return &MemoryStream{pending: make(map[string]*pendingEntry)}
}

func (s *MemoryStream) Append(ctx context.Context, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("stream closed")
	}
	s.nextID++
	id := fmt.Sprintf("%d-0", s.nextID)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.entries = append(s.entries, memoryEntry{id: id, payload: cp})
	return id, nil
}

func (s *MemoryStream) Fetch(ctx context.Context, consumer string, count int64, block time.Duration) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for s.cursor < len(s.entries) && int64(len(out)) < count {
		e := s.entries[s.cursor]
		s.cursor++
		s.pending[e.id] = &pendingEntry{payload: e.payload, deliveries: 1, lastFetch: time.Now()}
		out = append(out, &Message{ID: e.id, Payload: e.payload, Deliveries: 1})
	}
	return out, nil
}

func (s *MemoryStream) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-minIdle)
	var out []*Message
	for id, p := range s.pending {
		if int64(len(out)) >= count {
			break
		}
		if p.lastFetch.After(cutoff) {
			continue
		}
		p.deliveries++
		p.lastFetch = time.Now()
		out = append(out, &Message{ID: id, Payload: p.payload, Deliveries: p.deliveries})
	}
	return out, nil
}

func (s *MemoryStream) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *MemoryStream) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	s.mu.Lock()
	s.dead = append(s.dead, DeadLetterEntry{
		StreamID: msg.ID,
		Reason:   reason,
		Payload:  json.RawMessage(msg.Payload),
		FailedAt: time.Now().UTC(),
	})
	s.mu.Unlock()
	return s.Ack(ctx, msg.ID)
}

func (s *MemoryStream) Ping(ctx context.Context) error { return nil }

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// PendingCount reports the number of unacked entries. Test helper.
func (s *MemoryStream) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DeadLetters returns the dead-lettered entries. Test helper.
func (s *MemoryStream) DeadLetters() []DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterEntry, len(s.dead))
	copy(out, s.dead)
	return out
}
