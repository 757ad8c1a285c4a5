// Package ingest accepts event batches, deduplicates them against the events
// table, and appends the newly accepted ones to the durable stream.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/store"
	"github.com/devtrail/devtrail/internal/stream"
)

// MaxBatchSize caps one ingest request.
const MaxBatchSize = 100

// Result reports what a batch ingest did.
type Result struct {
	Ingested   int `json:"ingested"`
	Duplicates int `json:"duplicates"`
}

// Service is the ingest pipeline entry point.
type Service struct {
	store  store.Store
	stream stream.Stream
	logger *logger.Logger
}

// NewService creates an ingest Service.
func NewService(st store.Store, str stream.Stream, log *logger.Logger) *Service {
	return &Service{store: st, stream: str, logger: log}
}

// Ingest validates a batch, pre-inserts the events, and appends the newly
// accepted ones to the stream. Any schema failure rejects the whole batch
// with a *BatchError. Duplicate event IDs are absorbed silently.
func (s *Service) Ingest(ctx context.Context, envelopes []*Envelope) (*Result, error) {
	if len(envelopes) == 0 {
		return &Result{}, nil
	}
	if len(envelopes) > MaxBatchSize {
		return nil, &BatchError{Diagnostics: []Diagnostic{{
			Index:  MaxBatchSize,
			Reason: fmt.Sprintf("batch exceeds %d events", MaxBatchSize),
		}}}
	}
	if diags := ValidateBatch(envelopes); len(diags) > 0 {
		return nil, &BatchError{Diagnostics: diags}
	}

	events := make([]*models.Event, len(envelopes))
	for i, e := range envelopes {
		events[i] = e.Event()
	}

	accepted, err := s.store.InsertEvents(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("failed to insert events: %w", err)
	}
	acceptedSet := make(map[string]bool, len(accepted))
	for _, id := range accepted {
		acceptedSet[id] = true
	}

	// Append in batch order so stream order matches insertion order.
	for _, e := range envelopes {
		if !acceptedSet[e.ID] {
			continue
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
		}
		if _, err := s.stream.Append(ctx, payload); err != nil {
			// The event row exists but the stream append failed; the
			// stuck-session rescan covers the session path, git events
			// are lost until re-posted.
			s.logger.Error("Failed to append event to stream",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("failed to append event %s: %w", e.ID, err)
		}
	}

	s.logger.Debug("Ingested event batch",
		zap.Int("ingested", len(accepted)),
		zap.Int("duplicates", len(envelopes)-len(accepted)),
	)
	return &Result{Ingested: len(accepted), Duplicates: len(envelopes) - len(accepted)}, nil
}
