package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
)

// sessionColumns whitelists the columns callers may set through the
// map-valued update paths (transition extras and PATCH).
var sessionColumns = map[string]bool{
	"cc_session_id":      true,
	"cwd":                true,
	"git_branch":         true,
	"git_remote":         true,
	"model":              true,
	"ended_at":           true,
	"duration_ms":        true,
	"transcript_s3_key":  true,
	"parse_status":       true,
	"parse_error":        true,
	"summary":            true,
	"total_messages":     true,
	"user_messages":      true,
	"assistant_messages": true,
	"tokens_in":          true,
	"tokens_out":         true,
	"cache_read_tokens":  true,
	"cache_write_tokens": true,
	"tool_use_count":     true,
	"thinking_blocks":    true,
	"subagent_count":     true,
	"cost_estimate_usd":  true,
	"initial_prompt":     true,
}

// setClause builds a deterministic "col = ?, ..." fragment from a column map.
func setClause(fields map[string]any) (string, []any, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !sessionColumns[k] {
			return "", nil, fmt.Errorf("unknown session column %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" = ?")
		args = append(args, fields[k])
	}
	return strings.Join(parts, ", "), args, nil
}

// CreateSessionIfAbsent inserts a session row, keeping any existing row
// untouched. Returns true when the row was newly created.
func (s *PostgresStore) CreateSessionIfAbsent(ctx context.Context, sess *models.Session) (bool, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status,
			cwd, git_branch, git_remote, model, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), sess.ID, sess.WorkspaceID, sess.DeviceID, sess.CCSessionID, sess.Lifecycle, sess.ParseStatus,
		sess.CWD, sess.GitBranch, sess.GitRemote, sess.Model, sess.StartedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetSession retrieves a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := sqlx.GetContext(ctx, s.q, &sess, s.rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions pages sessions newest first with a keyset cursor.
func (s *PostgresStore) ListSessions(ctx context.Context, f SessionFilter) ([]*models.Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
	var args []any
	if f.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	if f.Lifecycle != "" {
		query += ` AND lifecycle = ?`
		args = append(args, f.Lifecycle)
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

// UpdateSessionFields applies a partial update and returns the fresh row.
func (s *PostgresStore) UpdateSessionFields(ctx context.Context, id string, fields map[string]any) (*models.Session, error) {
	if len(fields) == 0 {
		return s.GetSession(ctx, id)
	}
	set, args, err := setClause(fields)
	if err != nil {
		return nil, err
	}
	args = append(args, id)
	var sess models.Session
	err = sqlx.GetContext(ctx, s.q, &sess, s.rebind(
		`UPDATE sessions SET `+set+`, updated_at = now() WHERE id = ? RETURNING *`), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// TransitionSession performs the lifecycle compare-and-swap. It refuses
// invalid transitions without touching the database; a valid transition that
// matches zero rows means another worker moved the session first.
func (s *PostgresStore) TransitionSession(ctx context.Context, id string, from []lifecycle.State, to lifecycle.State, extra map[string]any) (TransitionResult, error) {
	if !lifecycle.CanTransitionAny(from, to) {
		return TransitionResult{Success: false, Reason: fmt.Sprintf("transition to %s not allowed from %v", to, from)}, nil
	}

	set := "lifecycle = ?, updated_at = now()"
	args := []any{to}
	if len(extra) > 0 {
		extraSet, extraArgs, err := setClause(extra)
		if err != nil {
			return TransitionResult{}, err
		}
		set += ", " + extraSet
		args = append(args, extraArgs...)
	}

	query, inArgs, err := sqlx.In(
		`UPDATE sessions SET `+set+` WHERE id = ? AND lifecycle IN (?) RETURNING lifecycle`,
		append(args, id, from)...)
	if err != nil {
		return TransitionResult{}, err
	}

	var got lifecycle.State
	err = sqlx.GetContext(ctx, s.q, &got, s.rebind(query), inArgs...)
	if errors.Is(err, sql.ErrNoRows) {
		return TransitionResult{Success: false, Reason: "session missing or lifecycle changed concurrently"}, nil
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("failed to transition session: %w", err)
	}
	return TransitionResult{Success: true, NewLifecycle: got}, nil
}

// FailSession moves a session from any non-terminal state to failed.
func (s *PostgresStore) FailSession(ctx context.Context, id, errorMessage string) (TransitionResult, error) {
	return s.TransitionSession(ctx, id, lifecycle.NonTerminalStates(), lifecycle.Failed, map[string]any{
		"parse_status": models.ParseFailed,
		"parse_error":  errorMessage,
	})
}

// ResetSessionForReparse returns a parsed, summarized, or failed session to
// the ended state with derived columns cleared. The transcript key is kept so
// the pipeline can re-download.
func (s *PostgresStore) ResetSessionForReparse(ctx context.Context, id string) (ResetResult, error) {
	query, args, err := sqlx.In(`
		UPDATE sessions s SET
			lifecycle = ?,
			parse_status = ?,
			parse_error = NULL,
			summary = NULL,
			total_messages = NULL,
			user_messages = NULL,
			assistant_messages = NULL,
			tokens_in = NULL,
			tokens_out = NULL,
			cache_read_tokens = NULL,
			cache_write_tokens = NULL,
			tool_use_count = NULL,
			thinking_blocks = NULL,
			subagent_count = NULL,
			cost_estimate_usd = NULL,
			initial_prompt = NULL,
			updated_at = now()
		FROM (SELECT id, lifecycle AS prev FROM sessions WHERE id = ?) o
		WHERE s.id = o.id AND s.lifecycle IN (?)
		RETURNING o.prev
	`, lifecycle.Ended, models.ParsePending, id, lifecycle.ResettableStates())
	if err != nil {
		return ResetResult{}, err
	}

	var prev lifecycle.State
	err = sqlx.GetContext(ctx, s.q, &prev, s.rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ResetResult{Reset: false}, nil
	}
	if err != nil {
		return ResetResult{}, fmt.Errorf("failed to reset session: %w", err)
	}
	return ResetResult{Reset: true, PreviousLifecycle: prev}, nil
}

// MarkSessionParsing claims a session for parsing. Best effort: losing the
// claim race is detected later by the lifecycle CAS.
func (s *PostgresStore) MarkSessionParsing(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET parse_status = ?, updated_at = now() WHERE id = ?
	`), models.ParseParsing, id)
	return err
}

// FindStuckSessions returns sessions whose parse work stalled: still pending
// or parsing after the threshold has elapsed since the last update.
func (s *PostgresStore) FindStuckSessions(ctx context.Context, threshold time.Duration) ([]*models.Session, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM sessions
		WHERE lifecycle IN (?)
		  AND parse_status IN (?)
		  AND updated_at < now() - (? * interval '1 millisecond')
		ORDER BY updated_at ASC
	`, []lifecycle.State{lifecycle.Ended, lifecycle.Parsed},
		[]models.ParseStatus{models.ParsePending, models.ParseParsing},
		threshold.Milliseconds())
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	if err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionStatuses returns the lifecycle/parse pair for each known ID.
// Unknown IDs are simply absent from the result.
func (s *PostgresStore) SessionStatuses(ctx context.Context, ids []string) (map[string]SessionStatus, error) {
	out := make(map[string]SessionStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT id, lifecycle, parse_status FROM sessions WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryxContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		var st SessionStatus
		if err := rows.Scan(&id, &st.Lifecycle, &st.ParseStatus); err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, rows.Err()
}

// FindActiveSession is the git correlator query: the most recent session for
// the pair that was already running at the event timestamp. Returns nil when
// no session qualifies.
func (s *PostgresStore) FindActiveSession(ctx context.Context, workspaceID, deviceID string, at time.Time) (*models.Session, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM sessions
		WHERE workspace_id = ? AND device_id = ?
		  AND lifecycle IN (?)
		  AND started_at <= ?
		ORDER BY started_at DESC
		LIMIT 1
	`, workspaceID, deviceID, []lifecycle.State{lifecycle.Detected, lifecycle.Capturing}, at)
	if err != nil {
		return nil, err
	}
	var sess models.Session
	err = sqlx.GetContext(ctx, s.q, &sess, s.rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
