package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/objstore"
	"github.com/devtrail/devtrail/internal/store"
	"github.com/devtrail/devtrail/internal/summary"
)

// fixedSummarizer returns a canned summary result.
type fixedSummarizer struct {
	result summary.Result
	calls  int
}

func (f *fixedSummarizer) Generate(ctx context.Context, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) summary.Result {
	f.calls++
	return f.result
}

func summaryOf(text string) summary.Result {
	return summary.Result{Success: true, Summary: &text}
}

const sampleTranscript = `{"type":"user","timestamp":"2026-08-24T10:00:00Z","sessionId":"cc-A","cwd":"/home/dev/widget","message":{"role":"user","content":[{"type":"text","text":"add a retry to the uploader"}]}}
{"type":"assistant","timestamp":"2026-08-24T10:00:05Z","message":{"id":"msg_1","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"Looking at the uploader now."}],"usage":{"input_tokens":1000,"output_tokens":200}}}
{"type":"assistant","timestamp":"2026-08-24T10:00:09Z","message":{"id":"msg_1","role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Read","input":{"path":"uploader.go"}}],"usage":{"input_tokens":1000,"output_tokens":350}}}
{"type":"user","timestamp":"2026-08-24T10:00:15Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"package uploader"}]}}
`

func seedEndedSession(t *testing.T, st *store.MemoryStore, id, transcriptKey string) {
	t.Helper()
	ctx := context.Background()
	key := transcriptKey
	sess := &models.Session{
		ID:          id,
		WorkspaceID: "ws-1",
		DeviceID:    "dev-1",
		CCSessionID: id,
		Lifecycle:   lifecycle.Ended,
		ParseStatus: models.ParsePending,
		StartedAt:   time.Now().Add(-time.Hour),
	}
	if transcriptKey != "" {
		sess.TranscriptS3Key = &key
	}
	created, err := st.CreateSessionIfAbsent(ctx, sess)
	require.NoError(t, err)
	require.True(t, created)
}

func TestRunner_ParsesAndSummarizes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	objects := objstore.NewMemory()
	summarizer := &fixedSummarizer{result: summaryOf("Added retry logic to the uploader.")}
	runner := NewRunner(st, objects, summarizer, logger.Default())

	key := "transcripts/dev-1/cc-A.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(sampleTranscript), "application/x-ndjson"))
	seedEndedSession(t, st, "cc-A", key)

	require.NoError(t, runner.Run(ctx, "cc-A"))

	sess, err := st.GetSession(ctx, "cc-A")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Summarized, sess.Lifecycle)
	assert.Equal(t, models.ParseCompleted, sess.ParseStatus)
	require.NotNil(t, sess.Summary)
	assert.Equal(t, "Added retry logic to the uploader.", *sess.Summary)
	require.NotNil(t, sess.TotalMessages)
	assert.Equal(t, 3, *sess.TotalMessages, "streamed assistant lines collapse into one message")
	require.NotNil(t, sess.ToolUseCount)
	assert.Equal(t, 1, *sess.ToolUseCount)
	require.NotNil(t, sess.InitialPrompt)
	assert.Equal(t, "add a retry to the uploader", *sess.InitialPrompt)
	require.NotNil(t, sess.DurationMS)
	assert.Equal(t, int64(15000), *sess.DurationMS)

	msgs, err := st.ListTranscriptMessages(ctx, "cc-A")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	// Structured backup lands next to the raw transcript.
	assert.Contains(t, objects.Keys(), "transcripts/dev-1/parsed/cc-A.json")
}

func TestRunner_EmptyTranscriptParses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	objects := objstore.NewMemory()
	runner := NewRunner(st, objects, nil, logger.Default())

	key := "transcripts/dev-1/cc-B.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(""), "application/x-ndjson"))
	seedEndedSession(t, st, "cc-B", key)

	require.NoError(t, runner.Run(ctx, "cc-B"))

	sess, err := st.GetSession(ctx, "cc-B")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Parsed, sess.Lifecycle)
	require.NotNil(t, sess.TotalMessages)
	assert.Equal(t, 0, *sess.TotalMessages)
	assert.Nil(t, sess.ParseError)
}

func TestRunner_LineErrorsRecordedButStillParsed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	objects := objstore.NewMemory()
	runner := NewRunner(st, objects, nil, logger.Default())

	body := "not json at all\n" + sampleTranscript
	key := "transcripts/dev-1/cc-C.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(body), "application/x-ndjson"))
	seedEndedSession(t, st, "cc-C", key)

	require.NoError(t, runner.Run(ctx, "cc-C"))

	sess, err := st.GetSession(ctx, "cc-C")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Parsed, sess.Lifecycle)
	require.NotNil(t, sess.ParseError)
	assert.True(t, strings.Contains(*sess.ParseError, "line 1: Invalid JSON"))
}

func TestRunner_MissingTranscriptFailsSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	runner := NewRunner(st, objstore.NewMemory(), nil, logger.Default())

	seedEndedSession(t, st, "cc-D", "transcripts/dev-1/cc-D.jsonl")

	err := runner.Run(ctx, "cc-D")
	require.Error(t, err)

	sess, getErr := st.GetSession(ctx, "cc-D")
	require.NoError(t, getErr)
	assert.Equal(t, lifecycle.Failed, sess.Lifecycle)
	assert.Equal(t, models.ParseFailed, sess.ParseStatus)
	require.NotNil(t, sess.ParseError)
	assert.Contains(t, *sess.ParseError, "download failed")
}

func TestRunner_SkipsSessionsNotReady(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	runner := NewRunner(st, objstore.NewMemory(), nil, logger.Default())

	// Unknown session: no error, nothing to do.
	require.NoError(t, runner.Run(ctx, "cc-missing"))

	// Ended without a transcript: left alone.
	seedEndedSession(t, st, "cc-E", "")
	require.NoError(t, runner.Run(ctx, "cc-E"))
	sess, err := st.GetSession(ctx, "cc-E")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ended, sess.Lifecycle)

	// Still capturing: left alone.
	_, err = st.CreateSessionIfAbsent(ctx, &models.Session{
		ID: "cc-F", WorkspaceID: "ws-1", DeviceID: "dev-1", CCSessionID: "cc-F",
		Lifecycle: lifecycle.Capturing, ParseStatus: models.ParsePending,
		StartedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx, "cc-F"))
	sess, err = st.GetSession(ctx, "cc-F")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Capturing, sess.Lifecycle)
}

func TestRunner_SummaryFailureLeavesParsed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	objects := objstore.NewMemory()
	summarizer := &fixedSummarizer{result: summary.Result{Success: false, Error: "model call failed"}}
	runner := NewRunner(st, objects, summarizer, logger.Default())

	key := "transcripts/dev-1/cc-G.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(sampleTranscript), "application/x-ndjson"))
	seedEndedSession(t, st, "cc-G", key)

	require.NoError(t, runner.Run(ctx, "cc-G"))

	sess, err := st.GetSession(ctx, "cc-G")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Parsed, sess.Lifecycle)
	assert.Nil(t, sess.Summary)
	assert.Equal(t, 1, summarizer.calls)
}

func TestRunner_RerunOnParsedSessionIsSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	objects := objstore.NewMemory()
	summarizer := &fixedSummarizer{result: summary.Result{Success: false, Error: "timeout"}}
	runner := NewRunner(st, objects, summarizer, logger.Default())

	key := "transcripts/dev-1/cc-H.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(sampleTranscript), "application/x-ndjson"))
	seedEndedSession(t, st, "cc-H", key)

	// First run parses but the summary step fails, leaving the session parsed.
	require.NoError(t, runner.Run(ctx, "cc-H"))
	require.Equal(t, 1, summarizer.calls)

	// A second run fails the ended precondition and must leave the session
	// untouched; retrying the summary goes through ResetSessionForReparse.
	summarizer.result = summaryOf("Short session.")
	require.NoError(t, runner.Run(ctx, "cc-H"))

	sess, err := st.GetSession(ctx, "cc-H")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Parsed, sess.Lifecycle)
	assert.Equal(t, models.ParseCompleted, sess.ParseStatus)
	assert.Nil(t, sess.Summary)
	assert.Equal(t, 1, summarizer.calls, "skipped run must not call the summarizer")
}

func TestBackupKey(t *testing.T) {
	assert.Equal(t, "transcripts/dev-1/parsed/cc-A.json", backupKey("transcripts/dev-1/cc-A.jsonl"))
	assert.Equal(t, "parsed/session.json", backupKey("session.jsonl"))
}
