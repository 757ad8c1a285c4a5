package backfill

import (
	"context"
	"net/http"
	"time"

	"github.com/devtrail/devtrail/internal/lifecycle"
)

// WaitOptions tunes the pipeline completion poll.
type WaitOptions struct {
	// PollInterval between status requests. Defaults to 2s.
	PollInterval time.Duration
	// Timeout bounds the whole wait. Defaults to 10m. Zero or negative uses
	// the default; use the context to wait indefinitely.
	Timeout time.Duration
}

// StateSummary counts sessions per terminal bucket at the end of the wait.
type StateSummary struct {
	Parsed     int `json:"parsed"`
	Summarized int `json:"summarized"`
	Archived   int `json:"archived"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

// WaitResult reports how the wait ended.
type WaitResult struct {
	Completed bool         `json:"completed"`
	TimedOut  bool         `json:"timed_out"`
	Aborted   bool         `json:"aborted"`
	Summary   StateSummary `json:"summary"`
}

type sessionStatus struct {
	Lifecycle   lifecycle.State `json:"lifecycle"`
	ParseStatus string          `json:"parse_status"`
}

type statusResponse struct {
	Sessions map[string]sessionStatus `json:"sessions"`
}

// WaitForCompletion polls the batch status endpoint until every session
// reaches a state the pipeline will not advance further, the timeout elapses,
// or ctx is canceled.
func (c *Client) WaitForCompletion(ctx context.Context, sessionIDs []string, opts WaitOptions) (*WaitResult, error) {
	if len(sessionIDs) == 0 {
		return &WaitResult{Completed: true}, nil
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	terminal := make(map[lifecycle.State]bool)
	for _, s := range lifecycle.TerminalStates() {
		terminal[s] = true
	}

	deadline := time.Now().Add(timeout)
	for {
		var resp statusResponse
		err := c.doJSON(ctx, http.MethodPost, "/api/sessions/status", map[string]any{"session_ids": sessionIDs}, &resp)
		if err != nil {
			if ctx.Err() != nil {
				return &WaitResult{Aborted: true, Summary: summarize(sessionIDs, nil, terminal)}, nil
			}
			return nil, err
		}

		summary := summarize(sessionIDs, resp.Sessions, terminal)
		if summary.Pending == 0 {
			return &WaitResult{Completed: true, Summary: summary}, nil
		}
		if time.Now().After(deadline) {
			return &WaitResult{TimedOut: true, Summary: summary}, nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return &WaitResult{Aborted: true, Summary: summary}, nil
		}
	}
}

func summarize(ids []string, statuses map[string]sessionStatus, terminal map[lifecycle.State]bool) StateSummary {
	var s StateSummary
	for _, id := range ids {
		st, ok := statuses[id]
		if !ok || !terminal[st.Lifecycle] {
			s.Pending++
			continue
		}
		switch st.Lifecycle {
		case lifecycle.Parsed:
			s.Parsed++
		case lifecycle.Summarized:
			s.Summarized++
		case lifecycle.Archived:
			s.Archived++
		case lifecycle.Failed:
			s.Failed++
		}
	}
	return s
}
