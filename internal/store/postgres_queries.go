package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devtrail/devtrail/internal/models"
)

// TimelineSessions pages sessions for the timeline, newest first, filtered by
// workspace, device, and time window.
func (s *PostgresStore) TimelineSessions(ctx context.Context, f TimelineFilter) ([]*models.Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
	var args []any
	if f.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.After != nil {
		query += ` AND started_at >= ?`
		args = append(args, *f.After)
	}
	if f.Before != nil {
		query += ` AND started_at <= ?`
		args = append(args, *f.Before)
	}
	if f.Cursor != nil {
		query += ` AND (started_at, id) < (?, ?)`
		args = append(args, f.Cursor.U, f.Cursor.I)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	var out []*models.Session
	if err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListWorkspaces returns workspaces with session roll-ups, most recently
// active first. Workspaces with no sessions sort last; the keyset cursor uses
// the epoch as their sentinel activity time.
func (s *PostgresStore) ListWorkspaces(ctx context.Context, limit int, cursor *Keyset) ([]*WorkspaceListItem, error) {
	query := `
		WITH rollup AS (
			SELECT w.*,
			       COUNT(s.id) AS session_count,
			       COUNT(s.id) FILTER (WHERE s.lifecycle IN ('detected', 'capturing')) AS active_session_count,
			       COALESCE(SUM(s.cost_estimate_usd), 0) AS total_cost_usd,
			       COALESCE(SUM(s.duration_ms), 0) AS total_duration_ms,
			       MAX(s.started_at) AS last_session_at,
			       (SELECT COUNT(*) FROM workspace_devices wd WHERE wd.workspace_id = w.id) AS device_count
			FROM workspaces w
			LEFT JOIN sessions s ON s.workspace_id = w.id
			GROUP BY w.id
		)
		SELECT * FROM rollup WHERE 1=1`
	var args []any
	if cursor != nil {
		query += ` AND (COALESCE(last_session_at, to_timestamp(0)), id) < (?, ?)`
		args = append(args, cursor.U, cursor.I)
	}
	query += ` ORDER BY COALESCE(last_session_at, to_timestamp(0)) DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var out []*WorkspaceListItem
	if err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

// WorkspaceRecentSessions returns a workspace's newest sessions with device
// attribution.
func (s *PostgresStore) WorkspaceRecentSessions(ctx context.Context, workspaceID string, limit int) ([]*SessionWithDevice, error) {
	var out []*SessionWithDevice
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT s.*, d.name AS device_name, d.type AS device_type
		FROM sessions s
		JOIN devices d ON d.id = s.device_id
		WHERE s.workspace_id = ?
		ORDER BY s.started_at DESC, s.id DESC
		LIMIT ?
	`), workspaceID, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WorkspaceDevices lists the devices linked to a workspace with the per-pair
// attributes, most recently active first.
func (s *PostgresStore) WorkspaceDevices(ctx context.Context, workspaceID string) ([]*WorkspaceDeviceInfo, error) {
	var out []*WorkspaceDeviceInfo
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT d.*, wd.local_path, wd.git_hooks_installed, wd.last_active_at
		FROM workspace_devices wd
		JOIN devices d ON d.id = wd.device_id
		WHERE wd.workspace_id = ?
		ORDER BY wd.last_active_at DESC
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WorkspaceGitSummary rolls up a workspace's git activity.
func (s *PostgresStore) WorkspaceGitSummary(ctx context.Context, workspaceID string) (*GitSummary, error) {
	var sum GitSummary
	row := struct {
		TotalCommits int        `db:"total_commits"`
		TotalPushes  int        `db:"total_pushes"`
		LastCommitAt *time.Time `db:"last_commit_at"`
	}{}
	err := sqlx.GetContext(ctx, s.q, &row, s.rebind(`
		SELECT COUNT(*) FILTER (WHERE type = 'commit') AS total_commits,
		       COUNT(*) FILTER (WHERE type = 'push') AS total_pushes,
		       MAX(timestamp) FILTER (WHERE type = 'commit') AS last_commit_at
		FROM git_activity
		WHERE workspace_id = ?
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	sum.TotalCommits = row.TotalCommits
	sum.TotalPushes = row.TotalPushes
	sum.LastCommitAt = row.LastCommitAt

	err = sqlx.SelectContext(ctx, s.q, &sum.ActiveBranches, s.rebind(`
		SELECT DISTINCT branch FROM git_activity
		WHERE workspace_id = ? AND branch IS NOT NULL
		ORDER BY branch
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// WorkspaceStats rolls up a workspace's session aggregates.
func (s *PostgresStore) WorkspaceStats(ctx context.Context, workspaceID string) (*AggregateStats, error) {
	var stats AggregateStats
	err := sqlx.GetContext(ctx, s.q, &stats, s.rebind(`
		SELECT COUNT(*) AS session_count,
		       COALESCE(SUM(total_messages), 0) AS total_messages,
		       COALESCE(SUM(tokens_in), 0) AS total_tokens_in,
		       COALESCE(SUM(tokens_out), 0) AS total_tokens_out,
		       COALESCE(SUM(cost_estimate_usd), 0) AS total_cost_usd,
		       COALESCE(SUM(duration_ms), 0) AS total_duration_ms
		FROM sessions
		WHERE workspace_id = ?
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListDevices returns every known device with its roll-ups, most recently
// seen first.
func (s *PostgresStore) ListDevices(ctx context.Context) ([]*DeviceListItem, error) {
	var out []*DeviceListItem
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT d.*,
		       COUNT(s.id) AS session_count,
		       COUNT(s.id) FILTER (WHERE s.lifecycle IN ('detected', 'capturing')) AS active_session_count,
		       COALESCE(SUM(s.cost_estimate_usd), 0) AS total_cost_usd,
		       COALESCE(SUM(s.duration_ms), 0) AS total_duration_ms,
		       MAX(s.started_at) AS last_session_at,
		       (SELECT COUNT(*) FROM workspace_devices wd WHERE wd.device_id = d.id) AS workspace_count
		FROM devices d
		LEFT JOIN sessions s ON s.device_id = d.id
		GROUP BY d.id
		ORDER BY d.last_seen_at DESC
	`))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceWorkspaces lists the workspaces a device has been active in.
func (s *PostgresStore) DeviceWorkspaces(ctx context.Context, deviceID string) ([]*DeviceWorkspaceInfo, error) {
	var out []*DeviceWorkspaceInfo
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT w.*, wd.local_path, wd.last_active_at
		FROM workspace_devices wd
		JOIN workspaces w ON w.id = wd.workspace_id
		WHERE wd.device_id = ?
		ORDER BY wd.last_active_at DESC
	`), deviceID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceRecentSessions returns a device's newest sessions.
func (s *PostgresStore) DeviceRecentSessions(ctx context.Context, deviceID string, limit int) ([]*SessionWithDevice, error) {
	var out []*SessionWithDevice
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT s.*, d.name AS device_name, d.type AS device_type
		FROM sessions s
		JOIN devices d ON d.id = s.device_id
		WHERE s.device_id = ?
		ORDER BY s.started_at DESC, s.id DESC
		LIMIT ?
	`), deviceID, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceStats rolls up a device's session aggregates.
func (s *PostgresStore) DeviceStats(ctx context.Context, deviceID string) (*AggregateStats, error) {
	var stats AggregateStats
	err := sqlx.GetContext(ctx, s.q, &stats, s.rebind(`
		SELECT COUNT(*) AS session_count,
		       COALESCE(SUM(total_messages), 0) AS total_messages,
		       COALESCE(SUM(tokens_in), 0) AS total_tokens_in,
		       COALESCE(SUM(tokens_out), 0) AS total_tokens_out,
		       COALESCE(SUM(cost_estimate_usd), 0) AS total_cost_usd,
		       COALESCE(SUM(duration_ms), 0) AS total_duration_ms
		FROM sessions
		WHERE device_id = ?
	`), deviceID)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
