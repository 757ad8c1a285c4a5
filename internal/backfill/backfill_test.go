package backfill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtrail/devtrail/internal/common/logger"
)

func writeTranscript(t *testing.T, dir, name, firstLine string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(firstLine+"\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestScan_DiscoversAndSkips(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	old := now.Add(-time.Hour)

	writeTranscript(t, root, "proj-a/cc-A.jsonl",
		`{"type":"user","sessionId":"cc-A","cwd":"/home/dev/widget","gitRemote":"github.com/acme/widget","timestamp":"2026-08-24T09:00:00Z"}`, old)
	writeTranscript(t, root, "proj-a/cc-side.jsonl",
		`{"type":"user","sessionId":"cc-side","isSidechain":true}`, old)
	writeTranscript(t, root, "proj-b/cc-live.jsonl",
		`{"type":"user","sessionId":"cc-live"}`, now)
	writeTranscript(t, root, "proj-b/notes.txt", "not a transcript", old)
	writeTranscript(t, root, "proj-b/cc-broken.jsonl", "{not json", old)

	result, err := Scan(root, ScanOptions{Now: now})
	require.NoError(t, err)

	require.Len(t, result.Discovered, 1)
	d := result.Discovered[0]
	assert.Equal(t, "cc-A", d.SessionID)
	assert.Equal(t, "github.com/acme/widget", d.Workspace)
	assert.Equal(t, "/home/dev/widget", d.CWD)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), d.StartedAt.UTC())
	assert.Positive(t, d.FileSizeBytes)

	assert.Equal(t, 1, result.Skipped.Subagents)
	assert.Equal(t, 1, result.Skipped.Active)
	assert.Len(t, result.Errors, 1)
}

func TestScan_SessionIDFallsBackToFilename(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeTranscript(t, root, "proj/cc-from-name.jsonl", `{"type":"summary","summary":"x"}`, old)

	result, err := Scan(root, ScanOptions{})
	require.NoError(t, err)
	require.Len(t, result.Discovered, 1)
	assert.Equal(t, "cc-from-name", result.Discovered[0].SessionID)
	assert.Equal(t, "proj", result.Discovered[0].Workspace)
}

func TestIngest_BatchesWithProgress(t *testing.T) {
	var (
		mu       sync.Mutex
		batches  [][]wireEvent
		seenAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/events/ingest", r.URL.Path)
		var body struct {
			Events []wireEvent `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		batches = append(batches, body.Events)
		seenAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]int{"ingested": len(body.Events), "duplicates": 0})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", "dev-1", logger.Default())
	discovered := make([]Discovered, 3)
	for i, id := range []string{"cc-A", "cc-B", "cc-C"} {
		discovered[i] = Discovered{
			SessionID:      id,
			TranscriptPath: "/tmp/" + id + ".jsonl",
			Workspace:      "github.com/acme/widget",
			StartedAt:      time.Now().Add(-time.Hour),
			EndedAt:        time.Now().Add(-30 * time.Minute),
		}
	}

	var progress []Progress
	result, err := client.Ingest(context.Background(), discovered, IngestOptions{
		BatchSize:   2,
		Concurrency: 1,
		Progress:    func(p Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Ingested)
	assert.Equal(t, 0, result.Skipped)
	assert.Empty(t, result.Errors)

	require.Len(t, batches, 2)
	assert.Equal(t, "Bearer secret", seenAuth)

	first := batches[0]
	require.Len(t, first, 4)
	assert.Equal(t, "backfill-cc-A-start", first[0].ID)
	assert.Equal(t, "session.start", first[0].Type)
	assert.Equal(t, "backfill-cc-A-end", first[1].ID)
	assert.Equal(t, "session.end", first[1].Type)
	assert.Equal(t, "/tmp/cc-A.jsonl", first[1].Data["transcript_path"])
	assert.Equal(t, "dev-1", first[1].DeviceID)

	require.Len(t, progress, 2)
	assert.Equal(t, Progress{Total: 3, Completed: 2}, progress[0])
	assert.Equal(t, Progress{Total: 3, Completed: 3}, progress[1])
}

func TestIngest_ReplayCountsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []wireEvent `json:"events"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]int{"ingested": 0, "duplicates": len(body.Events)})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "dev-1", logger.Default())
	result, err := client.Ingest(context.Background(), []Discovered{
		{SessionID: "cc-A", Workspace: "w", StartedAt: time.Now(), EndedAt: time.Now()},
	}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Ingested)
	assert.Equal(t, 1, result.Skipped)
}

func TestWaitForCompletion_Completes(t *testing.T) {
	var polls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/status", r.URL.Path)
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		status := map[string]any{"lifecycle": "ended", "parse_status": "parsing"}
		if n > 1 {
			status = map[string]any{"lifecycle": "parsed", "parse_status": "completed"}
		}
		json.NewEncoder(w).Encode(map[string]any{"sessions": map[string]any{
			"cc-A": status,
			"cc-B": map[string]any{"lifecycle": "failed", "parse_status": "failed"},
		}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "dev-1", logger.Default())
	result, err := client.WaitForCompletion(context.Background(), []string{"cc-A", "cc-B"}, WaitOptions{
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.False(t, result.TimedOut)
	assert.Equal(t, StateSummary{Parsed: 1, Failed: 1}, result.Summary)
}

func TestWaitForCompletion_TimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sessions": map[string]any{
			"cc-A": map[string]any{"lifecycle": "ended", "parse_status": "pending"},
		}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "dev-1", logger.Default())
	result, err := client.WaitForCompletion(context.Background(), []string{"cc-A"}, WaitOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      30 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.True(t, result.TimedOut)
	assert.Equal(t, StateSummary{Pending: 1}, result.Summary)
}

func TestWaitForCompletion_Aborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sessions": map[string]any{}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(srv.URL, "", "dev-1", logger.Default())

	done := make(chan *WaitResult, 1)
	go func() {
		result, err := client.WaitForCompletion(ctx, []string{"cc-A"}, WaitOptions{
			PollInterval: 10 * time.Millisecond,
			Timeout:      time.Minute,
		})
		require.NoError(t, err)
		done <- result
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.True(t, result.Aborted)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not abort")
	}
}

func TestWaitForCompletion_NoIDs(t *testing.T) {
	client := NewClient("http://unused", "", "dev-1", logger.Default())
	result, err := client.WaitForCompletion(context.Background(), nil, WaitOptions{})
	require.NoError(t, err)
	assert.True(t, result.Completed)
}
