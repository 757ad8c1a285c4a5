// Package store provides persistence for devtrail entities.
//
// Two implementations exist: a PostgreSQL store backed by sqlx/pgx, and an
// in-memory store used by tests. Writes that must be atomic run inside
// WithTx; everything else is a single statement.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Keyset is a keyset-pagination position: the (timestamp, id) pair of the
// last row of the previous page.
type Keyset struct {
	U time.Time `json:"u"`
	I string    `json:"i"`
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	WorkspaceID string
	Lifecycle   lifecycle.State
	Limit       int
	Cursor      *Keyset
}

// TimelineFilter narrows the timeline session page.
type TimelineFilter struct {
	WorkspaceID string
	DeviceID    string
	After       *time.Time
	Before      *time.Time
	Types       []models.GitActivityType
	Limit       int
	Cursor      *Keyset
}

// OrphanFilter selects git activity rows with no session, inside a window.
type OrphanFilter struct {
	WorkspaceID string
	DeviceID    string
	From        *time.Time
	To          *time.Time
	Types       []models.GitActivityType
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	WorkspaceID string
	DeviceID    string
	Type        string
	Limit       int
	Cursor      *Keyset
}

// TransitionResult reports the outcome of a lifecycle compare-and-swap.
type TransitionResult struct {
	Success      bool
	NewLifecycle lifecycle.State
	Reason       string
}

// ResetResult reports the outcome of ResetSessionForReparse.
type ResetResult struct {
	Reset             bool
	PreviousLifecycle lifecycle.State
}

// SessionStatus is the lifecycle/parse pair returned by batch status lookups.
type SessionStatus struct {
	Lifecycle   lifecycle.State    `json:"lifecycle"`
	ParseStatus models.ParseStatus `json:"parse_status"`
}

// PendingPrompt is one outstanding git-hooks install prompt for a device.
type PendingPrompt struct {
	WorkspaceID          string `json:"workspace_id" db:"workspace_id"`
	WorkspaceName        string `json:"workspace_name" db:"workspace_name"`
	WorkspaceCanonicalID string `json:"workspace_canonical_id" db:"workspace_canonical_id"`
	DeviceID             string `json:"device_id" db:"device_id"`
}

// WorkspaceListItem is a workspace with its roll-up aggregates.
type WorkspaceListItem struct {
	models.Workspace
	SessionCount       int        `json:"session_count" db:"session_count"`
	ActiveSessionCount int        `json:"active_session_count" db:"active_session_count"`
	DeviceCount        int        `json:"device_count" db:"device_count"`
	TotalCostUSD       float64    `json:"total_cost_usd" db:"total_cost_usd"`
	TotalDurationMS    int64      `json:"total_duration_ms" db:"total_duration_ms"`
	LastSessionAt      *time.Time `json:"last_session_at,omitempty" db:"last_session_at"`
}

// SessionWithDevice is a session enriched with its device's name and type.
type SessionWithDevice struct {
	models.Session
	DeviceName string            `json:"device_name" db:"device_name"`
	DeviceType models.DeviceType `json:"device_type" db:"device_type"`
}

// WorkspaceDeviceInfo is a device associated with a workspace, with the
// per-pair link attributes.
type WorkspaceDeviceInfo struct {
	models.Device
	LocalPath         *string   `json:"local_path,omitempty" db:"local_path"`
	GitHooksInstalled bool      `json:"git_hooks_installed" db:"git_hooks_installed"`
	LastActiveAt      time.Time `json:"last_active_at" db:"last_active_at"`
}

// GitSummary is the flat git roll-up for a workspace.
type GitSummary struct {
	TotalCommits   int        `json:"total_commits"`
	TotalPushes    int        `json:"total_pushes"`
	ActiveBranches []string   `json:"active_branches"`
	LastCommitAt   *time.Time `json:"last_commit_at,omitempty"`
}

// AggregateStats are session roll-ups for a workspace or device.
type AggregateStats struct {
	SessionCount    int     `json:"session_count" db:"session_count"`
	TotalMessages   int64   `json:"total_messages" db:"total_messages"`
	TotalTokensIn   int64   `json:"total_tokens_in" db:"total_tokens_in"`
	TotalTokensOut  int64   `json:"total_tokens_out" db:"total_tokens_out"`
	TotalCostUSD    float64 `json:"total_cost_usd" db:"total_cost_usd"`
	TotalDurationMS int64   `json:"total_duration_ms" db:"total_duration_ms"`
}

// DeviceListItem is a device with its roll-up aggregates.
type DeviceListItem struct {
	models.Device
	SessionCount       int        `json:"session_count" db:"session_count"`
	WorkspaceCount     int        `json:"workspace_count" db:"workspace_count"`
	ActiveSessionCount int        `json:"active_session_count" db:"active_session_count"`
	LastSessionAt      *time.Time `json:"last_session_at,omitempty" db:"last_session_at"`
	TotalCostUSD       float64    `json:"total_cost_usd" db:"total_cost_usd"`
	TotalDurationMS    int64      `json:"total_duration_ms" db:"total_duration_ms"`
}

// DeviceWorkspaceInfo is a workspace associated with a device.
type DeviceWorkspaceInfo struct {
	models.Workspace
	LocalPath    *string   `json:"local_path,omitempty" db:"local_path"`
	LastActiveAt time.Time `json:"last_active_at" db:"last_active_at"`
}

// Store is the persistence contract shared by the Postgres and in-memory
// implementations.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// WithTx runs fn against a transaction-scoped store. A returned error
	// rolls the transaction back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Identity
	UpsertWorkspace(ctx context.Context, id, canonicalID, displayName, defaultBranch string) (*models.Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	GetWorkspaceByCanonicalID(ctx context.Context, canonicalID string) (*models.Workspace, error)
	FindWorkspacesByName(ctx context.Context, name string) ([]*models.Workspace, error)
	UpsertDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	EnsureWorkspaceDeviceLink(ctx context.Context, workspaceID, deviceID string, localPath *string, at time.Time) (*models.WorkspaceDeviceLink, bool, error)
	GetWorkspaceDeviceLink(ctx context.Context, workspaceID, deviceID string) (*models.WorkspaceDeviceLink, error)
	RaiseGitHooksPrompt(ctx context.Context, workspaceID, deviceID string) error
	DismissGitHooksPrompt(ctx context.Context, workspaceID, deviceID string, accepted bool) error
	PendingGitHooksPrompts(ctx context.Context, deviceID string) ([]*PendingPrompt, error)

	// Events
	InsertEvents(ctx context.Context, events []*models.Event) ([]string, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*models.Event, error)
	ListSessionEvents(ctx context.Context, sessionID string) ([]*models.Event, error)
	SetEventSession(ctx context.Context, eventID, sessionID string) error

	// Sessions
	CreateSessionIfAbsent(ctx context.Context, s *models.Session) (bool, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*models.Session, error)
	UpdateSessionFields(ctx context.Context, id string, fields map[string]any) (*models.Session, error)
	TransitionSession(ctx context.Context, id string, from []lifecycle.State, to lifecycle.State, extra map[string]any) (TransitionResult, error)
	FailSession(ctx context.Context, id, errorMessage string) (TransitionResult, error)
	ResetSessionForReparse(ctx context.Context, id string) (ResetResult, error)
	MarkSessionParsing(ctx context.Context, id string) error
	FindStuckSessions(ctx context.Context, threshold time.Duration) ([]*models.Session, error)
	SessionStatuses(ctx context.Context, ids []string) (map[string]SessionStatus, error)
	FindActiveSession(ctx context.Context, workspaceID, deviceID string, at time.Time) (*models.Session, error)

	// Transcript
	ReplaceTranscript(ctx context.Context, sessionID string, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) error
	ListTranscriptMessages(ctx context.Context, sessionID string) ([]*models.TranscriptMessage, error)
	ListContentBlocks(ctx context.Context, sessionID string) ([]*models.ContentBlock, error)

	// Git activity
	InsertGitActivity(ctx context.Context, g *models.GitActivity) (bool, error)
	ListSessionGitActivity(ctx context.Context, sessionID string) ([]*models.GitActivity, error)
	GitActivityForSessions(ctx context.Context, sessionIDs []string, types []models.GitActivityType) (map[string][]*models.GitActivity, error)
	OrphanGitActivity(ctx context.Context, f OrphanFilter) ([]*models.GitActivity, error)

	// Timeline
	TimelineSessions(ctx context.Context, f TimelineFilter) ([]*models.Session, error)

	// Aggregates
	ListWorkspaces(ctx context.Context, limit int, cursor *Keyset) ([]*WorkspaceListItem, error)
	WorkspaceRecentSessions(ctx context.Context, workspaceID string, limit int) ([]*SessionWithDevice, error)
	WorkspaceDevices(ctx context.Context, workspaceID string) ([]*WorkspaceDeviceInfo, error)
	WorkspaceGitSummary(ctx context.Context, workspaceID string) (*GitSummary, error)
	WorkspaceStats(ctx context.Context, workspaceID string) (*AggregateStats, error)
	ListDevices(ctx context.Context) ([]*DeviceListItem, error)
	DeviceWorkspaces(ctx context.Context, deviceID string) ([]*DeviceWorkspaceInfo, error)
	DeviceRecentSessions(ctx context.Context, deviceID string, limit int) ([]*SessionWithDevice, error)
	DeviceStats(ctx context.Context, deviceID string) (*AggregateStats, error)
}
