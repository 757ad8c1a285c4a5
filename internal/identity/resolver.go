// Package identity resolves workspace and device identities from event
// envelopes. Both resolution paths are idempotent upserts.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/store"
)

// WorkspaceHints are optional attributes applied only when the workspace is
// first created.
type WorkspaceHints struct {
	DisplayName   string
	DefaultBranch string
}

// DeviceHints are optional attributes applied only when the device is first
// created.
type DeviceHints struct {
	Name     string
	Type     models.DeviceType
	Hostname *string
	OS       *string
	Arch     *string
}

// Resolver upserts identity rows.
type Resolver struct {
	store store.Store
}

// NewResolver creates a Resolver over a store.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// ResolveWorkspace returns the workspace for a canonical ID, creating it on
// first reference. New workspaces get a ULID as internal ID; display name
// defaults to the last path segment of the canonical ID and default branch
// to "main".
func (r *Resolver) ResolveWorkspace(ctx context.Context, canonicalID string, hints WorkspaceHints) (*models.Workspace, error) {
	displayName := hints.DisplayName
	if displayName == "" {
		displayName = DisplayNameFromCanonical(canonicalID)
	}
	defaultBranch := hints.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return r.store.UpsertWorkspace(ctx, ulid.Make().String(), canonicalID, displayName, defaultBranch)
}

// ResolveDevice upserts the device row and refreshes last_seen_at.
func (r *Resolver) ResolveDevice(ctx context.Context, deviceID string, hints DeviceHints) error {
	return r.store.UpsertDevice(ctx, &models.Device{
		ID:       deviceID,
		Name:     hints.Name,
		Type:     hints.Type,
		Hostname: hints.Hostname,
		OS:       hints.OS,
		Arch:     hints.Arch,
	})
}

// EnsureLink upserts the workspace-device junction. When the pair is seen for
// the first time the git-hooks install prompt is raised, subject to the
// one-way prompted/installed flags.
func (r *Resolver) EnsureLink(ctx context.Context, workspaceID, deviceID string, localPath *string, at time.Time) (*models.WorkspaceDeviceLink, error) {
	link, inserted, err := r.store.EnsureWorkspaceDeviceLink(ctx, workspaceID, deviceID, localPath, at)
	if err != nil {
		return nil, err
	}
	if inserted {
		if err := r.store.RaiseGitHooksPrompt(ctx, workspaceID, deviceID); err != nil {
			return nil, err
		}
		return r.store.GetWorkspaceDeviceLink(ctx, workspaceID, deviceID)
	}
	return link, nil
}

// DisplayNameFromCanonical derives a human name from a canonical workspace
// ID: the last path segment, with any ".git" suffix dropped.
func DisplayNameFromCanonical(canonicalID string) string {
	s := strings.TrimSuffix(canonicalID, ".git")
	s = strings.Trim(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return canonicalID
	}
	return s
}
