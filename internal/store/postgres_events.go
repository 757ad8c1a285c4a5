package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/devtrail/devtrail/internal/models"
)

// InsertEvents writes a batch of event envelopes, skipping IDs already
// present, and returns the IDs actually inserted in batch order.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []*models.Event) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}
	accepted := make([]string, 0, len(events))
	err := s.WithTx(ctx, func(txStore Store) error {
		tx := txStore.(*PostgresStore)
		for _, e := range events {
			var id string
			err := sqlx.GetContext(ctx, tx.q, &id, tx.rebind(`
				INSERT INTO events (id, type, timestamp, device_id, workspace_id, session_id, data, blob_refs)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO NOTHING
				RETURNING id
			`), e.ID, e.Type, e.Timestamp, e.DeviceID, e.WorkspaceID, e.SessionID, e.Data, e.BlobRefs)
			if errors.Is(err, sql.ErrNoRows) {
				continue // duplicate
			}
			if err != nil {
				return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
			}
			accepted = append(accepted, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

// GetEvent retrieves an event by ID.
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	err := sqlx.GetContext(ctx, s.q, &e, s.rebind(`SELECT * FROM events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents pages events newest first with a keyset cursor.
func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	query := `SELECT * FROM events WHERE 1=1`
	var args []any
	if f.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Cursor != nil {
		query += ` AND (timestamp, id) < (?, ?)`
		args = append(args, f.Cursor.U, f.Cursor.I)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	var out []*models.Event
	if err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessionEvents returns every event tied to a session in timestamp order.
func (s *PostgresStore) ListSessionEvents(ctx context.Context, sessionID string) ([]*models.Event, error) {
	var out []*models.Event
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT * FROM events WHERE session_id = ? ORDER BY timestamp ASC, id ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetEventSession back-fills the session_id on an orphan event. The envelope
// is otherwise immutable.
func (s *PostgresStore) SetEventSession(ctx context.Context, eventID, sessionID string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE events SET session_id = ? WHERE id = ?
	`), sessionID, eventID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
