package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/devtrail/devtrail/internal/models"
)

// InsertGitActivity writes a normalized git record. The primary key is the
// originating event ID so replays are no-ops; returns false on duplicate.
func (s *PostgresStore) InsertGitActivity(ctx context.Context, g *models.GitActivity) (bool, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO git_activity (id, workspace_id, device_id, session_id, type, branch,
			commit_sha, message, files_changed, insertions, deletions, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), g.ID, g.WorkspaceID, g.DeviceID, g.SessionID, g.Type, g.Branch,
		g.CommitSHA, g.Message, g.FilesChanged, g.Insertions, g.Deletions, g.Timestamp, g.Data)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListSessionGitActivity returns a session's git records in time order.
func (s *PostgresStore) ListSessionGitActivity(ctx context.Context, sessionID string) ([]*models.GitActivity, error) {
	var out []*models.GitActivity
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT * FROM git_activity WHERE session_id = ? ORDER BY timestamp ASC, id ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GitActivityForSessions fetches git records for many sessions in one query,
// keyed by session ID. An optional type filter narrows the result.
func (s *PostgresStore) GitActivityForSessions(ctx context.Context, sessionIDs []string, types []models.GitActivityType) (map[string][]*models.GitActivity, error) {
	out := make(map[string][]*models.GitActivity, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	query := `SELECT * FROM git_activity WHERE session_id IN (?)`
	args := []any{sessionIDs}
	if len(types) > 0 {
		query += ` AND type IN (?)`
		args = append(args, types)
	}
	query += ` ORDER BY timestamp ASC, id ASC`
	q, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []*models.GitActivity
	if err := sqlx.SelectContext(ctx, s.q, &rows, s.rebind(q), inArgs...); err != nil {
		return nil, err
	}
	for _, g := range rows {
		if g.SessionID != nil {
			out[*g.SessionID] = append(out[*g.SessionID], g)
		}
	}
	return out, nil
}

// OrphanGitActivity returns uncorrelated git records for a pair, oldest
// first, optionally bounded by a time window and type set.
func (s *PostgresStore) OrphanGitActivity(ctx context.Context, f OrphanFilter) ([]*models.GitActivity, error) {
	query := `SELECT * FROM git_activity WHERE session_id IS NULL`
	var args []any
	if f.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.From != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *f.From)
	}
	if f.To != nil {
		query += ` AND timestamp <= ?`
		args = append(args, *f.To)
	}
	if len(f.Types) > 0 {
		query += ` AND type IN (?)`
		args = append(args, f.Types)
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	q, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var out []*models.GitActivity
	if err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(q), inArgs...); err != nil {
		return nil, err
	}
	return out, nil
}
