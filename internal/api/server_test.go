package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtrail/devtrail/internal/common/config"
	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/ingest"
	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/objstore"
	"github.com/devtrail/devtrail/internal/pipeline"
	"github.com/devtrail/devtrail/internal/store"
	"github.com/devtrail/devtrail/internal/stream"
	"github.com/devtrail/devtrail/internal/timeline"
)

type testHarness struct {
	server  *Server
	store   *store.MemoryStore
	stream  *stream.MemoryStream
	objects *objstore.MemoryStore
	queue   *pipeline.Queue
}

func newHarness(t *testing.T, apiKey string) *testHarness {
	t.Helper()
	st := store.NewMemory()
	str := stream.NewMemory()
	objects := objstore.NewMemory()
	log := logger.Default()

	runner := pipeline.NewRunner(st, objects, nil, log)
	// Zero workers keep queued sessions observable instead of racing tests.
	queue := pipeline.NewQueue(runner, 0, 10, log)
	t.Cleanup(queue.Stop)

	srv := NewServer(
		config.ServerConfig{Host: "127.0.0.1", Port: 0},
		config.AuthConfig{APIKey: apiKey},
		Deps{
			Store:     st,
			Stream:    str,
			Ingest:    ingest.NewService(st, str, log),
			Queue:     queue,
			Assembler: timeline.NewAssembler(st),
			Logger:    log,
		},
	)
	return &testHarness{server: srv, store: st, stream: str, objects: objects, queue: queue}
}

func (h *testHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func seedWorkspace(t *testing.T, st *store.MemoryStore, canonical, display string) *models.Workspace {
	t.Helper()
	ws, err := st.UpsertWorkspace(context.Background(), ulid.Make().String(), canonical, display, "main")
	require.NoError(t, err)
	return ws
}

func seedDevice(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, st.UpsertDevice(context.Background(), &models.Device{
		ID:   id,
		Name: id,
		Type: models.DeviceLocal,
	}))
}

func seedSession(t *testing.T, st *store.MemoryStore, id, workspaceID string, state lifecycle.State, transcriptKey *string) {
	t.Helper()
	parseStatus := models.ParsePending
	switch state {
	case lifecycle.Parsed, lifecycle.Summarized, lifecycle.Archived:
		parseStatus = models.ParseCompleted
	case lifecycle.Failed:
		parseStatus = models.ParseFailed
	}
	created, err := st.CreateSessionIfAbsent(context.Background(), &models.Session{
		ID:              id,
		WorkspaceID:     workspaceID,
		DeviceID:        "dev-1",
		CCSessionID:     id,
		Lifecycle:       state,
		ParseStatus:     parseStatus,
		StartedAt:       time.Now().Add(-time.Hour),
		TranscriptS3Key: transcriptKey,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func envelope(id, typ, deviceID, workspaceID string, data map[string]any) map[string]any {
	return map[string]any{
		"id":           id,
		"type":         typ,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"device_id":    deviceID,
		"workspace_id": workspaceID,
		"data":         data,
	}
}

func TestAuth_RequiresBearerToken(t *testing.T) {
	h := newHarness(t, "secret")

	rec := h.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/health", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/health", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngest_AcceptsBatchAndAbsorbsDuplicates(t *testing.T) {
	h := newHarness(t, "")

	batch := map[string]any{"events": []any{
		envelope("evt-1", "session.start", "dev-1", "github.com/acme/widget", map[string]any{"cc_session_id": "cc-A"}),
		envelope("evt-2", "session.end", "dev-1", "github.com/acme/widget", map[string]any{"cc_session_id": "cc-A"}),
	}}

	rec := h.do(t, http.MethodPost, "/api/events/ingest", batch, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["ingested"])
	assert.Equal(t, float64(0), body["duplicates"])

	rec = h.do(t, http.MethodPost, "/api/events/ingest", batch, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(0), body["ingested"])
	assert.Equal(t, float64(2), body["duplicates"])
}

func TestIngest_RejectsInvalidBatchWithDiagnostics(t *testing.T) {
	h := newHarness(t, "")

	bad := envelope("evt-2", "session.start", "", "github.com/acme/widget", map[string]any{"cc_session_id": "cc-B"})
	batch := map[string]any{"events": []any{
		envelope("evt-1", "session.start", "dev-1", "github.com/acme/widget", map[string]any{"cc_session_id": "cc-A"}),
		bad,
	}}

	rec := h.do(t, http.MethodPost, "/api/events/ingest", batch, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid batch", body["error"])
	diags := body["diagnostics"].([]any)
	require.Len(t, diags, 1)
	diag := diags[0].(map[string]any)
	assert.Equal(t, float64(1), diag["index"])
	assert.Equal(t, "evt-2", diag["event_id"])
	assert.Contains(t, diag["reason"], "device_id")

	// A rejected batch must leave nothing behind, valid entries included.
	msgs, err := h.stream.Fetch(context.Background(), "test", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListSessions_BadPagination(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodGet, "/api/sessions?cursor=not-base64!!", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid cursor", decodeBody(t, rec)["error"])

	for _, limit := range []string{"0", "251", "abc"} {
		rec = h.do(t, http.MethodGet, "/api/sessions?limit="+limit, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestListSessions_Pagination(t *testing.T) {
	h := newHarness(t, "")
	ws := seedWorkspace(t, h.store, "github.com/acme/widget", "widget")
	seedDevice(t, h.store, "dev-1")
	for i := 0; i < 5; i++ {
		seedSession(t, h.store, fmt.Sprintf("cc-%d", i), ws.ID, lifecycle.Ended, nil)
	}

	rec := h.do(t, http.MethodGet, "/api/sessions?limit=3", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["sessions"], 3)
	assert.Equal(t, true, body["has_more"])
	cursor := body["next_cursor"].(string)

	rec = h.do(t, http.MethodGet, "/api/sessions?limit=3&cursor="+cursor, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Len(t, body["sessions"], 2)
	assert.Equal(t, false, body["has_more"])
}

func TestGetSession_NotFound(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/sessions/cc-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchSession_FieldWhitelist(t *testing.T) {
	h := newHarness(t, "")
	ws := seedWorkspace(t, h.store, "github.com/acme/widget", "widget")
	seedDevice(t, h.store, "dev-1")
	seedSession(t, h.store, "cc-A", ws.ID, lifecycle.Ended, nil)

	rec := h.do(t, http.MethodPatch, "/api/sessions/cc-A", map[string]any{"model": "claude-sonnet-4"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sess := decodeBody(t, rec)["session"].(map[string]any)
	assert.Equal(t, "claude-sonnet-4", sess["model"])

	rec = h.do(t, http.MethodPatch, "/api/sessions/cc-A", map[string]any{"lifecycle": "archived"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReparse_ConflictStates(t *testing.T) {
	h := newHarness(t, "")
	ws := seedWorkspace(t, h.store, "github.com/acme/widget", "widget")
	seedDevice(t, h.store, "dev-1")
	key := "transcripts/dev-1/x.jsonl"

	seedSession(t, h.store, "cc-capturing", ws.ID, lifecycle.Capturing, nil)
	seedSession(t, h.store, "cc-no-transcript", ws.ID, lifecycle.Failed, nil)
	seedSession(t, h.store, "cc-parsed", ws.ID, lifecycle.Parsed, &key)
	seedSession(t, h.store, "cc-mid-parse", ws.ID, lifecycle.Ended, &key)
	require.NoError(t, h.store.MarkSessionParsing(context.Background(), "cc-mid-parse"))

	cases := []struct {
		id   string
		code int
		msg  string
	}{
		{"cc-missing", http.StatusNotFound, ""},
		{"cc-capturing", http.StatusConflict, "Session has not ended yet."},
		{"cc-no-transcript", http.StatusConflict, "No transcript available. Cannot reparse."},
		{"cc-mid-parse", http.StatusConflict, "Session is currently being processed. Try again later."},
	}
	for _, tc := range cases {
		rec := h.do(t, http.MethodPost, "/api/sessions/"+tc.id+"/reparse", nil, nil)
		assert.Equal(t, tc.code, rec.Code, tc.id)
		if tc.msg != "" {
			assert.Equal(t, tc.msg, decodeBody(t, rec)["error"], tc.id)
		}
	}

	rec := h.do(t, http.MethodPost, "/api/sessions/cc-parsed/reparse", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "ended", decodeBody(t, rec)["lifecycle"])
	assert.Equal(t, 1, h.queue.Depth())

	sess, err := h.store.GetSession(context.Background(), "cc-parsed")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ended, sess.Lifecycle)
	assert.Equal(t, models.ParsePending, sess.ParseStatus)
}

func TestSessionStatuses_Batch(t *testing.T) {
	h := newHarness(t, "")
	ws := seedWorkspace(t, h.store, "github.com/acme/widget", "widget")
	seedDevice(t, h.store, "dev-1")
	seedSession(t, h.store, "cc-A", ws.ID, lifecycle.Parsed, nil)
	seedSession(t, h.store, "cc-B", ws.ID, lifecycle.Capturing, nil)

	rec := h.do(t, http.MethodPost, "/api/sessions/status", map[string]any{
		"session_ids": []string{"cc-A", "cc-B", "cc-unknown"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeBody(t, rec)["sessions"].(map[string]any)
	require.Len(t, sessions, 2)
	assert.Equal(t, "parsed", sessions["cc-A"].(map[string]any)["lifecycle"])
	assert.Equal(t, "capturing", sessions["cc-B"].(map[string]any)["lifecycle"])

	rec = h.do(t, http.MethodPost, "/api/sessions/status", map[string]any{"session_ids": []string{}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorkspace_Resolution(t *testing.T) {
	h := newHarness(t, "")
	ws := seedWorkspace(t, h.store, "github.com/acme/widget", "widget")
	seedWorkspace(t, h.store, "github.com/other/widget", "widget")

	// By internal ID.
	rec := h.do(t, http.MethodGet, "/api/workspaces/"+ws.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	got := body["workspace"].(map[string]any)
	assert.Equal(t, ws.ID, got["id"])
	assert.Contains(t, body, "recent_sessions")
	assert.Contains(t, body, "git_summary")
	assert.Contains(t, body, "stats")

	// By canonical ID.
	rec = h.do(t, http.MethodGet, "/api/workspaces/github.com%2Facme%2Fwidget", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// An ambiguous display name lists the candidates.
	rec = h.do(t, http.MethodGet, "/api/workspaces/widget", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	matches := decodeBody(t, rec)["matches"].([]any)
	assert.Len(t, matches, 2)

	rec = h.do(t, http.MethodGet, "/api/workspaces/no-such-workspace", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkspaces_PaginatesWithoutSessions(t *testing.T) {
	h := newHarness(t, "")
	want := map[string]bool{}
	for i := 0; i < 3; i++ {
		ws := seedWorkspace(t, h.store, fmt.Sprintf("github.com/acme/repo-%d", i), fmt.Sprintf("repo-%d", i))
		want[ws.ID] = true
	}

	// None of the workspaces have sessions, so all of them sort on the
	// epoch sentinel and pagination falls back to the ID tiebreaker.
	seen := map[string]bool{}
	rec := h.do(t, http.MethodGet, "/api/workspaces?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["workspaces"], 2)
	require.Equal(t, true, body["has_more"])
	for _, w := range body["workspaces"].([]any) {
		seen[w.(map[string]any)["id"].(string)] = true
	}
	cursor := body["next_cursor"].(string)

	rec = h.do(t, http.MethodGet, "/api/workspaces?limit=2&cursor="+cursor, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Len(t, body["workspaces"], 1, "last workspace must not fall off the second page")
	assert.Equal(t, false, body["has_more"])
	assert.Nil(t, body["next_cursor"])
	for _, w := range body["workspaces"].([]any) {
		seen[w.(map[string]any)["id"].(string)] = true
	}
	assert.Equal(t, want, seen, "every workspace appears exactly once across pages")
}

func TestGetDevice_Detail(t *testing.T) {
	h := newHarness(t, "")
	ws := seedWorkspace(t, h.store, "github.com/acme/widget", "widget")
	seedDevice(t, h.store, "dev-1")
	_, _, err := h.store.EnsureWorkspaceDeviceLink(context.Background(), ws.ID, "dev-1", nil, time.Now())
	require.NoError(t, err)
	seedSession(t, h.store, "cc-A", ws.ID, lifecycle.Parsed, nil)

	rec := h.do(t, http.MethodGet, "/api/devices/dev-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "dev-1", body["device"].(map[string]any)["id"])
	assert.Len(t, body["workspaces"], 1)
	assert.Len(t, body["recent_sessions"], 1)

	rec = h.do(t, http.MethodGet, "/api/devices/dev-unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTimeline_Empty(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/timeline", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["items"], 0)
	assert.Equal(t, false, body["has_more"])
	cursor, present := body["next_cursor"]
	assert.True(t, present, "next_cursor must be present on empty pages")
	assert.Nil(t, cursor)
}

func TestTimeline_BadTimeParam(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/timeline?after=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimeline_TypeFilter(t *testing.T) {
	h := newHarness(t, "")
	ws := seedWorkspace(t, h.store, "github.com/acme/widget", "widget")
	seedDevice(t, h.store, "dev-1")

	at := time.Now().Add(-30 * time.Minute)
	for _, g := range []struct {
		id  string
		typ models.GitActivityType
	}{
		{"git-1", models.GitCommit},
		{"git-2", models.GitPush},
	} {
		_, err := h.store.InsertGitActivity(context.Background(), &models.GitActivity{
			ID:          g.id,
			WorkspaceID: ws.ID,
			DeviceID:    "dev-1",
			Type:        g.typ,
			Timestamp:   at,
		})
		require.NoError(t, err)
		at = at.Add(time.Minute)
	}

	rec := h.do(t, http.MethodGet, "/api/timeline?types=commit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["items"].([]any)
	require.Len(t, items, 1)
	activity := items[0].(map[string]any)["git_activity"].([]any)
	require.Len(t, activity, 1)
	assert.Equal(t, "git-1", activity[0].(map[string]any)["id"])

	rec = h.do(t, http.MethodGet, "/api/timeline?types=rebase", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrompts_Flow(t *testing.T) {
	h := newHarness(t, "")
	ws := seedWorkspace(t, h.store, "github.com/acme/widget", "widget")
	seedDevice(t, h.store, "dev-1")

	rec := h.do(t, http.MethodGet, "/api/prompts/pending", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctx := context.Background()
	_, created, err := h.store.EnsureWorkspaceDeviceLink(ctx, ws.ID, "dev-1", nil, time.Now())
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, h.store.RaiseGitHooksPrompt(ctx, ws.ID, "dev-1"))

	rec = h.do(t, http.MethodGet, "/api/prompts/pending?device_id=dev-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	prompts := decodeBody(t, rec)["prompts"].([]any)
	require.Len(t, prompts, 1)
	prompt := prompts[0].(map[string]any)
	assert.Equal(t, "git_hooks_install", prompt["type"])
	assert.Equal(t, ws.ID, prompt["workspace_id"])

	rec = h.do(t, http.MethodPost, "/api/prompts/dismiss", map[string]any{
		"workspace_id": ws.ID,
		"device_id":    "dev-1",
		"action":       "declined",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/prompts/pending?device_id=dev-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["prompts"], 0)

	rec = h.do(t, http.MethodPost, "/api/prompts/dismiss", map[string]any{
		"workspace_id": ws.ID,
		"device_id":    "dev-1",
		"action":       "maybe",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth_Shape(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["postgres"])
	assert.Equal(t, true, body["redis"])
	assert.Equal(t, float64(0), body["ws_clients"])
	assert.NotEmpty(t, body["uptime"])
	assert.Equal(t, "dev", body["version"])
}
