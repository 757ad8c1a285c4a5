package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devtrail/devtrail/internal/models"
)

// UpsertWorkspace inserts a workspace keyed by canonical ID. Display name and
// default branch are only applied on insert; an existing row keeps its
// attributes and gets a refreshed updated_at.
func (s *PostgresStore) UpsertWorkspace(ctx context.Context, id, canonicalID, displayName, defaultBranch string) (*models.Workspace, error) {
	var ws models.Workspace
	err := sqlx.GetContext(ctx, s.q, &ws, s.rebind(`
		INSERT INTO workspaces (id, canonical_id, display_name, default_branch)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (canonical_id) DO UPDATE SET updated_at = now()
		RETURNING *
	`), id, canonicalID, displayName, defaultBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert workspace: %w", err)
	}
	return &ws, nil
}

// GetWorkspace retrieves a workspace by internal ID.
func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	var ws models.Workspace
	err := sqlx.GetContext(ctx, s.q, &ws, s.rebind(`SELECT * FROM workspaces WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// GetWorkspaceByCanonicalID retrieves a workspace by its canonical ID
// (case-sensitive).
func (s *PostgresStore) GetWorkspaceByCanonicalID(ctx context.Context, canonicalID string) (*models.Workspace, error) {
	var ws models.Workspace
	err := sqlx.GetContext(ctx, s.q, &ws, s.rebind(`SELECT * FROM workspaces WHERE canonical_id = ?`), canonicalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// FindWorkspacesByName returns every workspace whose display name matches
// case-insensitively. More than one result means the name is ambiguous.
func (s *PostgresStore) FindWorkspacesByName(ctx context.Context, name string) ([]*models.Workspace, error) {
	var out []*models.Workspace
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT * FROM workspaces WHERE lower(display_name) = lower(?) ORDER BY id
	`), name)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertDevice inserts a device row if missing. Hint columns are only set on
// insert; last_seen_at is refreshed on every call.
func (s *PostgresStore) UpsertDevice(ctx context.Context, d *models.Device) error {
	name := d.Name
	if name == "" {
		name = "unknown-device"
	}
	typ := d.Type
	if typ == "" {
		typ = models.DeviceLocal
	}
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO devices (id, name, type, hostname, os, arch, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, now())
		ON CONFLICT (id) DO UPDATE SET last_seen_at = now()
	`), d.ID, name, typ, d.Hostname, d.OS, d.Arch)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by ID.
func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device
	err := sqlx.GetContext(ctx, s.q, &d, s.rebind(`SELECT * FROM devices WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type linkRow struct {
	models.WorkspaceDeviceLink
	Inserted bool `db:"inserted"`
}

// EnsureWorkspaceDeviceLink upserts the junction row for a workspace/device
// pair, refreshing last_active_at. The boolean return reports whether the row
// was newly created.
func (s *PostgresStore) EnsureWorkspaceDeviceLink(ctx context.Context, workspaceID, deviceID string, localPath *string, at time.Time) (*models.WorkspaceDeviceLink, bool, error) {
	var row linkRow
	// xmax = 0 distinguishes a fresh insert from a conflict-update.
	err := sqlx.GetContext(ctx, s.q, &row, s.rebind(`
		INSERT INTO workspace_devices (workspace_id, device_id, local_path, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, device_id) DO UPDATE SET
			last_active_at = EXCLUDED.last_active_at,
			local_path = COALESCE(EXCLUDED.local_path, workspace_devices.local_path)
		RETURNING *, (xmax = 0) AS inserted
	`), workspaceID, deviceID, localPath, at)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert workspace-device link: %w", err)
	}
	return &row.WorkspaceDeviceLink, row.Inserted, nil
}

// GetWorkspaceDeviceLink retrieves the junction row for a pair.
func (s *PostgresStore) GetWorkspaceDeviceLink(ctx context.Context, workspaceID, deviceID string) (*models.WorkspaceDeviceLink, error) {
	var link models.WorkspaceDeviceLink
	err := sqlx.GetContext(ctx, s.q, &link, s.rebind(`
		SELECT * FROM workspace_devices WHERE workspace_id = ? AND device_id = ?
	`), workspaceID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// RaiseGitHooksPrompt sets the pending prompt flag for a pair, unless hooks
// were already installed or the pair was already prompted. Those flags are
// one-way; this is where the invariant is enforced.
func (s *PostgresStore) RaiseGitHooksPrompt(ctx context.Context, workspaceID, deviceID string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE workspace_devices
		SET pending_git_hooks_prompt = TRUE
		WHERE workspace_id = ? AND device_id = ?
		  AND git_hooks_installed = FALSE AND git_hooks_prompted = FALSE
	`), workspaceID, deviceID)
	return err
}

// DismissGitHooksPrompt clears the pending flag and records that the pair was
// prompted. When accepted, hooks are marked installed.
func (s *PostgresStore) DismissGitHooksPrompt(ctx context.Context, workspaceID, deviceID string, accepted bool) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE workspace_devices
		SET pending_git_hooks_prompt = FALSE,
			git_hooks_prompted = TRUE,
			git_hooks_installed = git_hooks_installed OR ?
		WHERE workspace_id = ? AND device_id = ?
	`), accepted, workspaceID, deviceID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingGitHooksPrompts lists the outstanding prompts for a device.
func (s *PostgresStore) PendingGitHooksPrompts(ctx context.Context, deviceID string) ([]*PendingPrompt, error) {
	var out []*PendingPrompt
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT wd.workspace_id,
		       w.display_name AS workspace_name,
		       w.canonical_id AS workspace_canonical_id,
		       wd.device_id
		FROM workspace_devices wd
		JOIN workspaces w ON w.id = wd.workspace_id
		WHERE wd.device_id = ?
		  AND wd.pending_git_hooks_prompt = TRUE
		  AND wd.git_hooks_installed = FALSE
		  AND wd.git_hooks_prompted = FALSE
		ORDER BY wd.last_active_at DESC
	`), deviceID)
	if err != nil {
		return nil, err
	}
	return out, nil
}
