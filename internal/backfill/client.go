package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devtrail/devtrail/internal/common/logger"
)

// DefaultBatchSize is how many sessions go into one ingest request. Each
// session produces two events, so this stays under the server's batch cap.
const DefaultBatchSize = 50

// Client talks to the devtrail ingest and status endpoints.
type Client struct {
	baseURL  string
	apiKey   string
	deviceID string
	http     *http.Client
	logger   *logger.Logger
}

// NewClient creates a backfill client. baseURL is the server root, e.g.
// "http://localhost:8425".
func NewClient(baseURL, apiKey, deviceID string, log *logger.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   log,
	}
}

// Progress is handed to the progress callback after every finished batch.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// IngestOptions tunes the replay.
type IngestOptions struct {
	// BatchSize is sessions per request. Defaults to DefaultBatchSize.
	BatchSize int
	// Concurrency is how many batches are in flight at once. Defaults to 2.
	Concurrency int
	// Throttle is an optional pause between a worker's batches.
	Throttle time.Duration
	// Progress, when set, is called after each batch completes.
	Progress func(Progress)
}

// IngestResult reports the replay outcome.
type IngestResult struct {
	Ingested int      `json:"ingested"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

type wireEvent struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	DeviceID    string         `json:"device_id"`
	WorkspaceID string         `json:"workspace_id"`
	Data        map[string]any `json:"data"`
}

type ingestResponse struct {
	Ingested   int `json:"ingested"`
	Duplicates int `json:"duplicates"`
}

// Ingest replays discovered sessions through the ingest endpoint. Event IDs
// are derived from the session ID, so a re-run of the same root is absorbed
// by the server's dedupe and reported as skipped.
func (c *Client) Ingest(ctx context.Context, discovered []Discovered, opts IngestOptions) (*IngestResult, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > DefaultBatchSize {
		batchSize = DefaultBatchSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	var (
		mu        sync.Mutex
		result    IngestResult
		completed int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for start := 0; start < len(discovered); start += batchSize {
		batch := discovered[start:min(start+batchSize, len(discovered))]
		g.Go(func() error {
			events := make([]wireEvent, 0, len(batch)*2)
			for _, d := range batch {
				events = append(events, sessionEvents(c.deviceID, d)...)
			}

			var resp ingestResponse
			err := c.doJSON(ctx, http.MethodPost, "/api/events/ingest", map[string]any{"events": events}, &resp)

			mu.Lock()
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
			} else {
				// Two events per session.
				result.Ingested += resp.Ingested / 2
				result.Skipped += resp.Duplicates / 2
			}
			completed += len(batch)
			progress := Progress{Total: len(discovered), Completed: completed}
			mu.Unlock()

			if opts.Progress != nil {
				opts.Progress(progress)
			}
			if opts.Throttle > 0 {
				select {
				case <-time.After(opts.Throttle):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &result, err
	}

	c.logger.Info("Backfill ingest finished",
		zap.Int("sessions", len(discovered)),
		zap.Int("ingested", result.Ingested),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
	)
	return &result, nil
}

// sessionEvents synthesizes the start/end pair for one discovered session.
func sessionEvents(deviceID string, d Discovered) []wireEvent {
	startData := map[string]any{"cc_session_id": d.SessionID, "backfilled": true}
	if d.CWD != "" {
		startData["cwd"] = d.CWD
	}
	endData := map[string]any{
		"cc_session_id":   d.SessionID,
		"transcript_path": d.TranscriptPath,
		"backfilled":      true,
	}
	if ms := d.EndedAt.Sub(d.StartedAt).Milliseconds(); ms > 0 {
		endData["duration_ms"] = ms
	}
	return []wireEvent{
		{
			ID:          "backfill-" + d.SessionID + "-start",
			Type:        "session.start",
			Timestamp:   d.StartedAt.UTC(),
			DeviceID:    deviceID,
			WorkspaceID: d.Workspace,
			Data:        startData,
		},
		{
			ID:          "backfill-" + d.SessionID + "-end",
			Type:        "session.end",
			Timestamp:   d.EndedAt.UTC(),
			DeviceID:    deviceID,
			WorkspaceID: d.Workspace,
			Data:        endData,
		},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
