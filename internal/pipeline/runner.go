// Package pipeline post-processes ended sessions: it downloads the transcript,
// parses it, persists the structured result, and advances the session
// lifecycle. Summary generation and the parsed-result backup are best-effort
// tail steps.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/objstore"
	"github.com/devtrail/devtrail/internal/store"
	"github.com/devtrail/devtrail/internal/summary"
	"github.com/devtrail/devtrail/internal/transcript"
)

// Summarizer is the summary-generation dependency. Satisfied by
// *summary.Generator.
type Summarizer interface {
	Generate(ctx context.Context, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) summary.Result
}

// Runner executes the post-processing steps for one session at a time.
type Runner struct {
	store      store.Store
	objects    objstore.ObjectStore
	summarizer Summarizer
	logger     *logger.Logger
}

// NewRunner wires a Runner. summarizer may be nil to skip summaries entirely.
func NewRunner(st store.Store, objects objstore.ObjectStore, summarizer Summarizer, log *logger.Logger) *Runner {
	return &Runner{store: st, objects: objects, summarizer: summarizer, logger: log}
}

// Run processes one ended session end to end. A session that does not meet
// the preconditions is skipped without error; processing failures move it to
// the failed lifecycle.
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	log := r.logger.WithSessionID(sessionID)

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Skipping pipeline run for unknown session")
			return nil
		}
		return err
	}

	switch {
	case sess.Lifecycle != lifecycle.Ended:
		log.Debug("Skipping pipeline run", zap.String("lifecycle", string(sess.Lifecycle)))
		return nil
	case sess.TranscriptS3Key == nil:
		log.Debug("Session ended without a transcript, leaving as is")
		return nil
	}

	if err := r.store.MarkSessionParsing(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to claim session for parsing: %w", err)
	}

	data, err := r.objects.Get(ctx, *sess.TranscriptS3Key)
	if err != nil {
		return r.fail(ctx, sessionID, log, fmt.Sprintf("transcript download failed: %v", err))
	}

	result := transcript.Parse(sessionID, data)

	if err := r.store.ReplaceTranscript(ctx, sessionID, result.Messages, result.ContentBlocks); err != nil {
		return r.fail(ctx, sessionID, log, fmt.Sprintf("failed to persist transcript: %v", err))
	}

	extra := result.SessionFields()
	extra["parse_status"] = models.ParseCompleted
	if errSummary := result.ErrorSummary(); errSummary != "" {
		extra["parse_error"] = errSummary
	}
	res, err := r.store.TransitionSession(ctx, sessionID,
		[]lifecycle.State{lifecycle.Ended}, lifecycle.Parsed, extra)
	if err != nil {
		return r.fail(ctx, sessionID, log, fmt.Sprintf("failed to advance session: %v", err))
	}
	if !res.Success {
		// Lost a race, most likely against a reparse. Leave the winner's
		// state alone.
		log.Warn("Session moved under the pipeline, not advancing", zap.String("reason", res.Reason))
		return nil
	}
	log.Info("Session parsed",
		zap.Int("messages", result.Stats.TotalMessages),
		zap.Int("line_errors", len(result.Errors)),
	)

	sess, err = r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	r.summarize(ctx, sess, log)
	r.backup(ctx, sess, result, log)
	return nil
}

// fail moves the session to the failed lifecycle, recording the message.
func (r *Runner) fail(ctx context.Context, sessionID string, log *logger.Logger, message string) error {
	log.Error("Pipeline run failed", zap.String("error", message))
	if _, err := r.store.FailSession(ctx, sessionID, message); err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	return fmt.Errorf("%s", message)
}

// summarize runs the best-effort summary step: parsed moves to summarized on
// success, and stays parsed on any failure.
func (r *Runner) summarize(ctx context.Context, sess *models.Session, log *logger.Logger) {
	if r.summarizer == nil {
		return
	}

	msgs, err := r.store.ListTranscriptMessages(ctx, sess.ID)
	if err != nil {
		log.Warn("Failed to load transcript for summary", zap.Error(err))
		return
	}
	blocks, err := r.store.ListContentBlocks(ctx, sess.ID)
	if err != nil {
		log.Warn("Failed to load content blocks for summary", zap.Error(err))
		return
	}

	result := r.summarizer.Generate(ctx, msgs, blocks)
	if !result.Success {
		log.Warn("Summary generation failed", zap.String("error", result.Error))
		return
	}
	if result.Summary == nil {
		// Summaries disabled; the session stays parsed.
		return
	}

	extra := map[string]any{"summary": *result.Summary}
	res, err := r.store.TransitionSession(ctx, sess.ID,
		[]lifecycle.State{lifecycle.Parsed}, lifecycle.Summarized, extra)
	if err != nil {
		log.Warn("Failed to store summary", zap.Error(err))
		return
	}
	if !res.Success {
		log.Debug("Summary discarded, session no longer parsed", zap.String("reason", res.Reason))
	}
}

// backup uploads the structured parse result next to the raw transcript. Pure
// convenience for offline inspection; failures only log.
func (r *Runner) backup(ctx context.Context, sess *models.Session, result *transcript.Result, log *logger.Logger) {
	if sess.TranscriptS3Key == nil {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		log.Warn("Failed to encode parse result for backup", zap.Error(err))
		return
	}
	key := backupKey(*sess.TranscriptS3Key)
	if err := r.objects.Put(ctx, key, body, "application/json"); err != nil {
		log.Warn("Failed to upload parse result backup", zap.String("key", key), zap.Error(err))
	}
}

// backupKey maps a transcript key to its parsed-result sibling:
// transcripts/dev/abc.jsonl becomes transcripts/dev/parsed/abc.json.
func backupKey(transcriptKey string) string {
	dir, file := path.Split(transcriptKey)
	base := strings.TrimSuffix(file, path.Ext(file))
	return dir + "parsed/" + base + ".json"
}
