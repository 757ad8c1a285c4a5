package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
)

func newTestSession(id, workspaceID, deviceID string, startedAt time.Time) *models.Session {
	return &models.Session{
		ID:          id,
		WorkspaceID: workspaceID,
		DeviceID:    deviceID,
		CCSessionID: id,
		Lifecycle:   lifecycle.Detected,
		ParseStatus: models.ParsePending,
		StartedAt:   startedAt,
	}
}

func seedIdentity(t *testing.T, s *MemoryStore) (*models.Workspace, *models.Device) {
	t.Helper()
	ctx := context.Background()
	ws, err := s.UpsertWorkspace(ctx, "ws-1", "github.com/acme/widget", "widget", "main")
	require.NoError(t, err)
	dev := &models.Device{ID: "dev-1", Name: "laptop"}
	require.NoError(t, s.UpsertDevice(ctx, dev))
	return ws, dev
}

func TestMemoryStore_UpsertWorkspaceIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	first, err := s.UpsertWorkspace(ctx, "ws-1", "github.com/acme/widget", "widget", "main")
	require.NoError(t, err)

	// Second call with a different candidate ID must return the existing row.
	second, err := s.UpsertWorkspace(ctx, "ws-other", "github.com/acme/widget", "renamed", "master")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "widget", second.DisplayName)
	assert.Equal(t, "main", second.DefaultBranch)
}

func TestMemoryStore_CreateSessionIfAbsent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)

	sess := newTestSession("sess-1", "ws-1", "dev-1", time.Now())
	created, err := s.CreateSessionIfAbsent(ctx, sess)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateSessionIfAbsent(ctx, sess)
	require.NoError(t, err)
	assert.False(t, created, "duplicate start must not create a second session")
}

func TestMemoryStore_TransitionSessionCAS(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)

	sess := newTestSession("sess-1", "ws-1", "dev-1", time.Now())
	_, err := s.CreateSessionIfAbsent(ctx, sess)
	require.NoError(t, err)

	res, err := s.TransitionSession(ctx, "sess-1",
		[]lifecycle.State{lifecycle.Detected, lifecycle.Capturing}, lifecycle.Ended, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, lifecycle.Ended, res.NewLifecycle)

	// A second worker replaying session.end loses the CAS.
	res, err = s.TransitionSession(ctx, "sess-1",
		[]lifecycle.State{lifecycle.Detected, lifecycle.Capturing}, lifecycle.Ended, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Reason)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ended, got.Lifecycle)
}

func TestMemoryStore_TransitionSessionRejectsInvalidEdge(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)
	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("sess-1", "ws-1", "dev-1", time.Now()))
	require.NoError(t, err)

	// detected -> parsed skips ended and must be refused before any write.
	res, err := s.TransitionSession(ctx, "sess-1",
		[]lifecycle.State{lifecycle.Detected}, lifecycle.Parsed, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Detected, got.Lifecycle)
}

func TestMemoryStore_TransitionAppliesExtraFields(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)
	started := time.Now().Add(-time.Hour)
	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("sess-1", "ws-1", "dev-1", started))
	require.NoError(t, err)

	ended := time.Now()
	res, err := s.TransitionSession(ctx, "sess-1",
		[]lifecycle.State{lifecycle.Detected, lifecycle.Capturing}, lifecycle.Ended,
		map[string]any{
			"ended_at":    ended,
			"duration_ms": int64(3600000),
		})
	require.NoError(t, err)
	require.True(t, res.Success)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, int64(3600000), *got.DurationMS)
}

func TestMemoryStore_FailSessionFromAnyNonTerminal(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)
	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("sess-1", "ws-1", "dev-1", time.Now()))
	require.NoError(t, err)

	res, err := s.FailSession(ctx, "sess-1", "transcript download failed")
	require.NoError(t, err)
	require.True(t, res.Success)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Failed, got.Lifecycle)
	assert.Equal(t, models.ParseFailed, got.ParseStatus)
	require.NotNil(t, got.ParseError)
	assert.Equal(t, "transcript download failed", *got.ParseError)
}

func TestMemoryStore_ResetSessionForReparse(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)
	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("sess-1", "ws-1", "dev-1", time.Now()))
	require.NoError(t, err)

	// Not resettable while still active.
	res, err := s.ResetSessionForReparse(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, res.Reset)

	_, err = s.FailSession(ctx, "sess-1", "boom")
	require.NoError(t, err)

	key := "transcripts/sess-1.jsonl"
	_, err = s.UpdateSessionFields(ctx, "sess-1", map[string]any{
		"transcript_s3_key": key,
		"total_messages":    12,
		"summary":           "did some work",
	})
	require.NoError(t, err)

	res, err = s.ResetSessionForReparse(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, res.Reset)
	assert.Equal(t, lifecycle.Failed, res.PreviousLifecycle)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ended, got.Lifecycle)
	assert.Equal(t, models.ParsePending, got.ParseStatus)
	assert.Nil(t, got.ParseError)
	assert.Nil(t, got.Summary)
	assert.Nil(t, got.TotalMessages)
	// The transcript pointer survives the reset so the pipeline can re-download.
	require.NotNil(t, got.TranscriptS3Key)
	assert.Equal(t, key, *got.TranscriptS3Key)
}

func TestMemoryStore_InsertEventsDeduplicates(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	events := []*models.Event{
		{ID: "evt-1", Type: "session.start", Timestamp: time.Now(), DeviceID: "dev-1", WorkspaceID: "ws-1", Data: []byte(`{}`)},
		{ID: "evt-2", Type: "session.end", Timestamp: time.Now(), DeviceID: "dev-1", WorkspaceID: "ws-1", Data: []byte(`{}`)},
	}
	accepted, err := s.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-1", "evt-2"}, accepted)

	// Replay the batch plus one new event.
	events = append(events, &models.Event{
		ID: "evt-3", Type: "git.commit", Timestamp: time.Now(),
		DeviceID: "dev-1", WorkspaceID: "ws-1", Data: []byte(`{}`),
	})
	accepted, err = s.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-3"}, accepted)
}

func TestMemoryStore_InsertGitActivityIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	g := &models.GitActivity{
		ID: "evt-7", WorkspaceID: "ws-1", DeviceID: "dev-1",
		Type: models.GitCommit, Timestamp: time.Now(),
	}
	inserted, err := s.InsertGitActivity(ctx, g)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertGitActivity(ctx, g)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestMemoryStore_GitHooksPromptOneWay(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)

	_, _, err := s.EnsureWorkspaceDeviceLink(ctx, "ws-1", "dev-1", nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.RaiseGitHooksPrompt(ctx, "ws-1", "dev-1"))
	prompts, err := s.PendingGitHooksPrompts(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "ws-1", prompts[0].WorkspaceID)
	assert.Equal(t, "widget", prompts[0].WorkspaceName)

	require.NoError(t, s.DismissGitHooksPrompt(ctx, "ws-1", "dev-1", false))

	// Once prompted, the flag never comes back for the pair.
	require.NoError(t, s.RaiseGitHooksPrompt(ctx, "ws-1", "dev-1"))
	prompts, err = s.PendingGitHooksPrompts(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, prompts)

	link, err := s.GetWorkspaceDeviceLink(ctx, "ws-1", "dev-1")
	require.NoError(t, err)
	assert.True(t, link.GitHooksPrompted)
	assert.False(t, link.GitHooksInstalled)
}

func TestMemoryStore_ListSessionsKeyset(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("sess-%d", i)
		_, err := s.CreateSessionIfAbsent(ctx, newTestSession(id, "ws-1", "dev-1", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	page, err := s.ListSessions(ctx, SessionFilter{WorkspaceID: "ws-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "sess-4", page[0].ID)
	assert.Equal(t, "sess-3", page[1].ID)

	cursor := &Keyset{U: page[1].StartedAt, I: page[1].ID}
	page, err = s.ListSessions(ctx, SessionFilter{WorkspaceID: "ws-1", Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "sess-2", page[0].ID)
	assert.Equal(t, "sess-1", page[1].ID)
}

func TestMemoryStore_FindActiveSession(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("sess-old", "ws-1", "dev-1", base))
	require.NoError(t, err)
	_, err = s.CreateSessionIfAbsent(ctx, newTestSession("sess-new", "ws-1", "dev-1", base.Add(10*time.Minute)))
	require.NoError(t, err)

	// Event after both starts correlates to the newest.
	got, err := s.FindActiveSession(ctx, "ws-1", "dev-1", base.Add(15*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-new", got.ID)

	// Event before the newer session started correlates to the older one.
	got, err = s.FindActiveSession(ctx, "ws-1", "dev-1", base.Add(5*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-old", got.ID)

	// Ended sessions are not candidates.
	_, err = s.TransitionSession(ctx, "sess-new",
		[]lifecycle.State{lifecycle.Detected}, lifecycle.Ended, nil)
	require.NoError(t, err)
	_, err = s.TransitionSession(ctx, "sess-old",
		[]lifecycle.State{lifecycle.Detected}, lifecycle.Ended, nil)
	require.NoError(t, err)
	got, err = s.FindActiveSession(ctx, "ws-1", "dev-1", base.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_FindStuckSessions(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)

	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("sess-1", "ws-1", "dev-1", time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	res, err := s.TransitionSession(ctx, "sess-1",
		[]lifecycle.State{lifecycle.Detected}, lifecycle.Ended, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	// Fresh rows are not stuck yet.
	stuck, err := s.FindStuckSessions(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// With a zero threshold the ended/pending session qualifies.
	stuck, err = s.FindStuckSessions(ctx, -time.Second)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "sess-1", stuck[0].ID)
}

func TestMemoryStore_WorkspaceAggregates(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedIdentity(t, s)
	_, _, err := s.EnsureWorkspaceDeviceLink(ctx, "ws-1", "dev-1", nil, time.Now())
	require.NoError(t, err)

	sess := newTestSession("sess-1", "ws-1", "dev-1", time.Now())
	_, err = s.CreateSessionIfAbsent(ctx, sess)
	require.NoError(t, err)
	_, err = s.UpdateSessionFields(ctx, "sess-1", map[string]any{
		"total_messages":    10,
		"tokens_in":         int64(1000),
		"tokens_out":        int64(500),
		"cost_estimate_usd": 0.25,
		"duration_ms":       int64(60000),
	})
	require.NoError(t, err)

	stats, err := s.WorkspaceStats(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SessionCount)
	assert.Equal(t, int64(10), stats.TotalMessages)
	assert.Equal(t, int64(1000), stats.TotalTokensIn)
	assert.Equal(t, int64(500), stats.TotalTokensOut)
	assert.InDelta(t, 0.25, stats.TotalCostUSD, 1e-9)

	items, err := s.ListWorkspaces(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].SessionCount)
	assert.Equal(t, 1, items[0].ActiveSessionCount)
	assert.Equal(t, 1, items[0].DeviceCount)
	require.NotNil(t, items[0].LastSessionAt)
}

func TestMemoryStore_OrphanGitActivityWindow(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessionID := "sess-1"
	branch := "main"
	rows := []*models.GitActivity{
		{ID: "g-1", WorkspaceID: "ws-1", DeviceID: "dev-1", Type: models.GitCommit, Branch: &branch, Timestamp: base},
		{ID: "g-2", WorkspaceID: "ws-1", DeviceID: "dev-1", Type: models.GitPush, Timestamp: base.Add(time.Hour)},
		{ID: "g-3", WorkspaceID: "ws-1", DeviceID: "dev-1", SessionID: &sessionID, Type: models.GitCommit, Timestamp: base},
		{ID: "g-4", WorkspaceID: "ws-2", DeviceID: "dev-1", Type: models.GitCommit, Timestamp: base},
	}
	for _, g := range rows {
		_, err := s.InsertGitActivity(ctx, g)
		require.NoError(t, err)
	}

	from := base.Add(-time.Minute)
	to := base.Add(time.Minute)
	orphans, err := s.OrphanGitActivity(ctx, OrphanFilter{
		WorkspaceID: "ws-1", DeviceID: "dev-1", From: &from, To: &to,
	})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "g-1", orphans[0].ID)

	commits, err := s.OrphanGitActivity(ctx, OrphanFilter{
		WorkspaceID: "ws-1", Types: []models.GitActivityType{models.GitCommit},
	})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "g-1", commits[0].ID)
}
