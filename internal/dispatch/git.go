package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/models"
)

type gitCommitData struct {
	Hash         string  `json:"hash"`
	Message      *string `json:"message"`
	Branch       *string `json:"branch"`
	FilesChanged *int    `json:"files_changed"`
	Insertions   *int    `json:"insertions"`
	Deletions    *int    `json:"deletions"`
}

type gitPushData struct {
	Branch string `json:"branch"`
}

type gitCheckoutData struct {
	ToRef    string  `json:"to_ref"`
	ToBranch *string `json:"to_branch"`
}

type gitMergeData struct {
	IntoBranch   string  `json:"into_branch"`
	MergeCommit  *string `json:"merge_commit"`
	Message      *string `json:"message"`
	FilesChanged *int    `json:"files_changed"`
}

// handleGitActivity normalizes a git event into a git_activity row and
// correlates it to the active session for the (workspace, device) pair at
// event time. Correlation happens only now; orphans stay orphans.
func handleGitActivity(ctx context.Context, hc *HandlerContext) error {
	activity, err := normalizeGitEvent(hc.Event)
	if err != nil {
		return err
	}
	activity.WorkspaceID = hc.WorkspaceID

	active, err := hc.Store.FindActiveSession(ctx, hc.WorkspaceID, hc.Event.DeviceID, hc.Event.Timestamp)
	if err != nil {
		return err
	}
	if active != nil {
		activity.SessionID = &active.ID
	}

	inserted, err := hc.Store.InsertGitActivity(ctx, activity)
	if err != nil {
		return err
	}
	if !inserted {
		hc.Logger.Debug("Git activity already recorded", zap.String("event_id", hc.Event.ID))
		return nil
	}

	if active != nil {
		if err := hc.Store.SetEventSession(ctx, hc.Event.ID, active.ID); err != nil {
			return err
		}
	}
	return nil
}

// normalizeGitEvent maps the per-type payload onto the flat activity
// columns. The full payload is kept in the data column.
func normalizeGitEvent(event *models.Event) (*models.GitActivity, error) {
	activityType := models.GitActivityType(strings.TrimPrefix(event.Type, "git."))
	activity := &models.GitActivity{
		ID:        event.ID,
		DeviceID:  event.DeviceID,
		Type:      activityType,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	}

	switch activityType {
	case models.GitCommit:
		var data gitCommitData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return nil, fmt.Errorf("invalid git.commit payload: %w", err)
		}
		activity.CommitSHA = &data.Hash
		activity.Message = data.Message
		activity.Branch = data.Branch
		activity.FilesChanged = data.FilesChanged
		activity.Insertions = data.Insertions
		activity.Deletions = data.Deletions
	case models.GitPush:
		var data gitPushData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return nil, fmt.Errorf("invalid git.push payload: %w", err)
		}
		activity.Branch = &data.Branch
	case models.GitCheckout:
		var data gitCheckoutData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return nil, fmt.Errorf("invalid git.checkout payload: %w", err)
		}
		// Detached HEAD checkouts have no target branch; fall back to
		// the ref.
		branch := data.ToRef
		if data.ToBranch != nil && *data.ToBranch != "" {
			branch = *data.ToBranch
		}
		activity.Branch = &branch
	case models.GitMerge:
		var data gitMergeData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return nil, fmt.Errorf("invalid git.merge payload: %w", err)
		}
		activity.Branch = &data.IntoBranch
		activity.CommitSHA = data.MergeCommit
		activity.Message = data.Message
		activity.FilesChanged = data.FilesChanged
	default:
		return nil, fmt.Errorf("unsupported git event type %q", event.Type)
	}
	return activity, nil
}
