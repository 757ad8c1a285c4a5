package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/devtrail/devtrail/internal/models"
)

// Envelope is the wire shape of one posted event.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	DeviceID    string          `json:"device_id"`
	WorkspaceID string          `json:"workspace_id"`
	SessionID   *string         `json:"session_id,omitempty"`
	Data        json.RawMessage `json:"data"`
	BlobRefs    json.RawMessage `json:"blob_refs,omitempty"`
}

// Event converts the envelope to its persisted form.
func (e *Envelope) Event() *models.Event {
	return &models.Event{
		ID:          e.ID,
		Type:        e.Type,
		Timestamp:   e.Timestamp,
		DeviceID:    e.DeviceID,
		WorkspaceID: e.WorkspaceID,
		SessionID:   e.SessionID,
		Data:        e.Data,
		BlobRefs:    e.BlobRefs,
	}
}

// Diagnostic names one validation failure inside a batch.
type Diagnostic struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason"`
}

// BatchError rejects a whole batch with per-event diagnostics.
type BatchError struct {
	Diagnostics []Diagnostic
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		parts[i] = fmt.Sprintf("event %d: %s", d.Index, d.Reason)
	}
	return "invalid batch: " + strings.Join(parts, "; ")
}

// requiredDataFields registers the known event types and the payload fields
// each must carry. Registration is static; dispatch handlers mirror this set.
var requiredDataFields = map[string][]string{
	"session.start": {"cc_session_id"},
	"session.end":   {"cc_session_id"},
	"git.commit":    {"hash"},
	"git.push":      {"branch"},
	"git.checkout":  {"to_ref"},
	"git.merge":     {"into_branch"},
}

// validateEnvelope checks one envelope against its registered schema.
// Returns an empty string when valid.
func validateEnvelope(e *Envelope) string {
	switch {
	case e.ID == "":
		return "missing id"
	case e.Type == "":
		return "missing type"
	case e.Timestamp.IsZero():
		return "missing timestamp"
	case e.DeviceID == "":
		return "missing device_id"
	case e.WorkspaceID == "":
		return "missing workspace_id"
	}

	required, known := requiredDataFields[e.Type]
	if !known {
		return fmt.Sprintf("unknown event type %q", e.Type)
	}

	var data map[string]json.RawMessage
	if len(e.Data) == 0 {
		return "missing data"
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return "data is not an object"
	}
	for _, field := range required {
		v, ok := data[field]
		if !ok || string(v) == "null" {
			return fmt.Sprintf("data.%s is required for %s", field, e.Type)
		}
	}
	return ""
}

// ValidateBatch checks every envelope and returns the collected diagnostics.
// An empty result means the batch is acceptable.
func ValidateBatch(envelopes []*Envelope) []Diagnostic {
	var out []Diagnostic
	for i, e := range envelopes {
		if reason := validateEnvelope(e); reason != "" {
			out = append(out, Diagnostic{Index: i, EventID: e.ID, Reason: reason})
		}
	}
	return out
}
