package store

import (
	"fmt"
	"time"

	"github.com/devtrail/devtrail/internal/models"
)

// applySessionFields maps the column-keyed update maps used by the SQL store
// onto the in-memory Session struct. Values arrive either as plain values or
// as pointers, matching what the services pass to UpdateSessionFields and
// TransitionSession.
func applySessionFields(sess *models.Session, fields map[string]any) error {
	for col, v := range fields {
		switch col {
		case "cc_session_id":
			s, err := asString(col, v)
			if err != nil {
				return err
			}
			if s != nil {
				sess.CCSessionID = *s
			}
		case "cwd":
			p, err := asString(col, v)
			if err != nil {
				return err
			}
			sess.CWD = p
		case "git_branch":
			p, err := asString(col, v)
			if err != nil {
				return err
			}
			sess.GitBranch = p
		case "git_remote":
			p, err := asString(col, v)
			if err != nil {
				return err
			}
			sess.GitRemote = p
		case "model":
			p, err := asString(col, v)
			if err != nil {
				return err
			}
			sess.Model = p
		case "ended_at":
			p, err := asTime(col, v)
			if err != nil {
				return err
			}
			sess.EndedAt = p
		case "duration_ms":
			p, err := asInt64(col, v)
			if err != nil {
				return err
			}
			sess.DurationMS = p
		case "transcript_s3_key":
			p, err := asString(col, v)
			if err != nil {
				return err
			}
			sess.TranscriptS3Key = p
		case "parse_status":
			switch t := v.(type) {
			case models.ParseStatus:
				sess.ParseStatus = t
			case string:
				sess.ParseStatus = models.ParseStatus(t)
			default:
				return fmt.Errorf("unexpected value %T for column %s", v, col)
			}
		case "parse_error":
			p, err := asString(col, v)
			if err != nil {
				return err
			}
			sess.ParseError = p
		case "summary":
			p, err := asString(col, v)
			if err != nil {
				return err
			}
			sess.Summary = p
		case "total_messages":
			p, err := asInt(col, v)
			if err != nil {
				return err
			}
			sess.TotalMessages = p
		case "user_messages":
			p, err := asInt(col, v)
			if err != nil {
				return err
			}
			sess.UserMessages = p
		case "assistant_messages":
			p, err := asInt(col, v)
			if err != nil {
				return err
			}
			sess.AssistantMessages = p
		case "tokens_in":
			p, err := asInt64(col, v)
			if err != nil {
				return err
			}
			sess.TokensIn = p
		case "tokens_out":
			p, err := asInt64(col, v)
			if err != nil {
				return err
			}
			sess.TokensOut = p
		case "cache_read_tokens":
			p, err := asInt64(col, v)
			if err != nil {
				return err
			}
			sess.CacheReadTokens = p
		case "cache_write_tokens":
			p, err := asInt64(col, v)
			if err != nil {
				return err
			}
			sess.CacheWriteTokens = p
		case "tool_use_count":
			p, err := asInt(col, v)
			if err != nil {
				return err
			}
			sess.ToolUseCount = p
		case "thinking_blocks":
			p, err := asInt(col, v)
			if err != nil {
				return err
			}
			sess.ThinkingBlocks = p
		case "subagent_count":
			p, err := asInt(col, v)
			if err != nil {
				return err
			}
			sess.SubagentCount = p
		case "cost_estimate_usd":
			p, err := asFloat(col, v)
			if err != nil {
				return err
			}
			sess.CostEstimateUSD = p
		case "initial_prompt":
			p, err := asString(col, v)
			if err != nil {
				return err
			}
			sess.InitialPrompt = p
		default:
			return fmt.Errorf("unknown session column %q", col)
		}
	}
	return nil
}

func asString(col string, v any) (*string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &t, nil
	case *string:
		return t, nil
	default:
		return nil, fmt.Errorf("unexpected value %T for column %s", v, col)
	}
}

func asTime(col string, v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case *time.Time:
		return t, nil
	default:
		return nil, fmt.Errorf("unexpected value %T for column %s", v, col)
	}
}

func asInt(col string, v any) (*int, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int:
		return &t, nil
	case *int:
		return t, nil
	case int64:
		n := int(t)
		return &n, nil
	default:
		return nil, fmt.Errorf("unexpected value %T for column %s", v, col)
	}
}

func asInt64(col string, v any) (*int64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return &t, nil
	case *int64:
		return t, nil
	case int:
		n := int64(t)
		return &n, nil
	default:
		return nil, fmt.Errorf("unexpected value %T for column %s", v, col)
	}
}

func asFloat(col string, v any) (*float64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &t, nil
	case *float64:
		return t, nil
	default:
		return nil, fmt.Errorf("unexpected value %T for column %s", v, col)
	}
}
