package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/devtrail/devtrail/internal/models"
)

// insertChunk keeps NamedExec batches under the Postgres parameter limit.
const insertChunk = 500

// ReplaceTranscript atomically swaps the derived transcript rows for a
// session. Existing messages and blocks are deleted first so a re-parse
// leaves no stale rows behind.
func (s *PostgresStore) ReplaceTranscript(ctx context.Context, sessionID string, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) error {
	return s.WithTx(ctx, func(txStore Store) error {
		tx := txStore.(*PostgresStore)

		// content_blocks cascade from transcript_messages.
		if _, err := tx.q.ExecContext(ctx, tx.rebind(
			`DELETE FROM transcript_messages WHERE session_id = ?`), sessionID); err != nil {
			return fmt.Errorf("failed to clear transcript: %w", err)
		}

		for i := 0; i < len(msgs); i += insertChunk {
			end := min(i+insertChunk, len(msgs))
			if _, err := sqlx.NamedExecContext(ctx, tx.q, `
				INSERT INTO transcript_messages (
					id, session_id, line_number, ordinal, message_type, role, model,
					input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
					cost_usd, timestamp, has_text, has_thinking, has_tool_use,
					has_tool_result, raw_message, metadata
				) VALUES (
					:id, :session_id, :line_number, :ordinal, :message_type, :role, :model,
					:input_tokens, :output_tokens, :cache_read_tokens, :cache_write_tokens,
					:cost_usd, :timestamp, :has_text, :has_thinking, :has_tool_use,
					:has_tool_result, :raw_message, :metadata
				)
			`, msgs[i:end]); err != nil {
				return fmt.Errorf("failed to insert transcript messages: %w", err)
			}
		}

		for i := 0; i < len(blocks); i += insertChunk {
			end := min(i+insertChunk, len(blocks))
			if _, err := sqlx.NamedExecContext(ctx, tx.q, `
				INSERT INTO content_blocks (
					id, message_id, session_id, block_order, block_type, content_text,
					thinking_text, tool_name, tool_use_id, tool_input, tool_result_id,
					is_error, result_text, metadata
				) VALUES (
					:id, :message_id, :session_id, :block_order, :block_type, :content_text,
					:thinking_text, :tool_name, :tool_use_id, :tool_input, :tool_result_id,
					:is_error, :result_text, :metadata
				)
			`, blocks[i:end]); err != nil {
				return fmt.Errorf("failed to insert content blocks: %w", err)
			}
		}
		return nil
	})
}

// ListTranscriptMessages returns a session's messages in transcript order.
func (s *PostgresStore) ListTranscriptMessages(ctx context.Context, sessionID string) ([]*models.TranscriptMessage, error) {
	var out []*models.TranscriptMessage
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT * FROM transcript_messages WHERE session_id = ? ORDER BY ordinal ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListContentBlocks returns a session's blocks grouped by message order.
func (s *PostgresStore) ListContentBlocks(ctx context.Context, sessionID string) ([]*models.ContentBlock, error) {
	var out []*models.ContentBlock
	err := sqlx.SelectContext(ctx, s.q, &out, s.rebind(`
		SELECT cb.* FROM content_blocks cb
		JOIN transcript_messages tm ON tm.id = cb.message_id
		WHERE cb.session_id = ?
		ORDER BY tm.ordinal ASC, cb.block_order ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}
