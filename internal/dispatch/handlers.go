// Package dispatch consumes the durable event stream and applies each event
// to the database through a per-type handler.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/identity"
	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/store"
)

// HandlerContext carries everything a handler needs. Store is scoped to the
// surrounding transaction.
type HandlerContext struct {
	Store       store.Store
	Event       *models.Event
	WorkspaceID string // resolved internal workspace ID
	Logger      *logger.Logger

	// enqueueAfterCommit collects session IDs to hand to the pipeline once
	// the transaction commits.
	enqueueAfterCommit []string
}

// EnqueueAfterCommit schedules a pipeline run for after the handler's
// transaction commits.
func (hc *HandlerContext) EnqueueAfterCommit(sessionID string) {
	hc.enqueueAfterCommit = append(hc.enqueueAfterCommit, sessionID)
}

// Handler applies one event. Handlers must be idempotent on event ID and
// tolerate out-of-order arrival.
type Handler func(ctx context.Context, hc *HandlerContext) error

// NewRegistry returns the static event-type registry.
func NewRegistry() map[string]Handler {
	return map[string]Handler{
		"session.start": handleSessionStart,
		"session.end":   handleSessionEnd,
		"git.commit":    handleGitActivity,
		"git.push":      handleGitActivity,
		"git.checkout":  handleGitActivity,
		"git.merge":     handleGitActivity,
	}
}

type sessionStartData struct {
	CCSessionID    string  `json:"cc_session_id"`
	CWD            *string `json:"cwd"`
	GitBranch      *string `json:"git_branch"`
	GitRemote      *string `json:"git_remote"`
	CCVersion      *string `json:"cc_version"`
	Model          *string `json:"model"`
	Source         *string `json:"source"`
	TranscriptPath *string `json:"transcript_path"`
	LocalPath      *string `json:"local_path"`
}

type sessionEndData struct {
	CCSessionID    string  `json:"cc_session_id"`
	DurationMS     *int64  `json:"duration_ms"`
	EndReason      *string `json:"end_reason"`
	TranscriptPath *string `json:"transcript_path"`
}

func handleSessionStart(ctx context.Context, hc *HandlerContext) error {
	var data sessionStartData
	if err := json.Unmarshal(hc.Event.Data, &data); err != nil {
		return fmt.Errorf("invalid session.start payload: %w", err)
	}

	created, err := hc.Store.CreateSessionIfAbsent(ctx, &models.Session{
		ID:          data.CCSessionID,
		WorkspaceID: hc.WorkspaceID,
		DeviceID:    hc.Event.DeviceID,
		CCSessionID: data.CCSessionID,
		Lifecycle:   lifecycle.Detected,
		ParseStatus: models.ParsePending,
		CWD:         data.CWD,
		GitBranch:   data.GitBranch,
		GitRemote:   data.GitRemote,
		Model:       data.Model,
		StartedAt:   hc.Event.Timestamp,
	})
	if err != nil {
		return err
	}
	if !created {
		hc.Logger.Debug("Session already exists",
			zap.String("session_id", data.CCSessionID),
			zap.String("event_id", hc.Event.ID),
		)
	}

	localPath := data.LocalPath
	if localPath == nil {
		localPath = data.CWD
	}
	resolver := identity.NewResolver(hc.Store)
	if _, err := resolver.EnsureLink(ctx, hc.WorkspaceID, hc.Event.DeviceID, localPath, hc.Event.Timestamp); err != nil {
		return err
	}

	return hc.Store.SetEventSession(ctx, hc.Event.ID, data.CCSessionID)
}

func handleSessionEnd(ctx context.Context, hc *HandlerContext) error {
	var data sessionEndData
	if err := json.Unmarshal(hc.Event.Data, &data); err != nil {
		return fmt.Errorf("invalid session.end payload: %w", err)
	}

	extra := map[string]any{"ended_at": hc.Event.Timestamp}
	if data.DurationMS != nil {
		extra["duration_ms"] = *data.DurationMS
	}
	if data.TranscriptPath != nil {
		extra["transcript_s3_key"] = *data.TranscriptPath
	}

	res, err := hc.Store.TransitionSession(ctx, data.CCSessionID,
		[]lifecycle.State{lifecycle.Detected, lifecycle.Capturing}, lifecycle.Ended, extra)
	if err != nil {
		return err
	}
	if !res.Success {
		// Replay or out-of-order delivery; the CAS makes this a no-op.
		hc.Logger.Debug("session.end transition skipped",
			zap.String("session_id", data.CCSessionID),
			zap.String("reason", res.Reason),
		)
		return nil
	}

	if err := hc.Store.SetEventSession(ctx, hc.Event.ID, data.CCSessionID); err != nil {
		return err
	}
	hc.EnqueueAfterCommit(data.CCSessionID)
	return nil
}
