// Package models defines the persisted entities shared across devtrail.
package models

import (
	"encoding/json"
	"time"

	"github.com/devtrail/devtrail/internal/lifecycle"
)

// ParseStatus tracks transcript processing progress independent of lifecycle.
type ParseStatus string

const (
	ParsePending   ParseStatus = "pending"
	ParseParsing   ParseStatus = "parsing"
	ParseCompleted ParseStatus = "completed"
	ParseFailed    ParseStatus = "failed"
)

// DeviceType distinguishes local workstations from remote ones.
type DeviceType string

const (
	DeviceLocal  DeviceType = "local"
	DeviceRemote DeviceType = "remote"
)

// Workspace is a logical project identified by a canonical ID such as a
// remote URL. Workspaces are identity anchors; they are created on first
// reference and never deleted.
type Workspace struct {
	ID            string    `json:"id" db:"id"`
	CanonicalID   string    `json:"canonical_id" db:"canonical_id"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	FirstSeenAt   time.Time `json:"first_seen_at" db:"first_seen_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Device is a workstation identified by a caller-supplied ID.
type Device struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Type        DeviceType `json:"type" db:"type"`
	Hostname    *string    `json:"hostname,omitempty" db:"hostname"`
	OS          *string    `json:"os,omitempty" db:"os"`
	Arch        *string    `json:"arch,omitempty" db:"arch"`
	FirstSeenAt time.Time  `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at" db:"last_seen_at"`
}

// WorkspaceDeviceLink is the junction between a workspace and a device.
// The git-hooks prompt flags are one-way: once installed or prompted, the
// pending flag is never re-raised for the pair.
type WorkspaceDeviceLink struct {
	WorkspaceID           string    `json:"workspace_id" db:"workspace_id"`
	DeviceID              string    `json:"device_id" db:"device_id"`
	LocalPath             *string   `json:"local_path,omitempty" db:"local_path"`
	GitHooksInstalled     bool      `json:"git_hooks_installed" db:"git_hooks_installed"`
	GitHooksPrompted      bool      `json:"git_hooks_prompted" db:"git_hooks_prompted"`
	PendingGitHooksPrompt bool      `json:"pending_git_hooks_prompt" db:"pending_git_hooks_prompt"`
	LastActiveAt          time.Time `json:"last_active_at" db:"last_active_at"`
}

// SessionStats are the derived aggregate columns populated by the pipeline.
// All fields are null while the session has not been parsed.
type SessionStats struct {
	TotalMessages     *int     `json:"total_messages,omitempty" db:"total_messages"`
	UserMessages      *int     `json:"user_messages,omitempty" db:"user_messages"`
	AssistantMessages *int     `json:"assistant_messages,omitempty" db:"assistant_messages"`
	TokensIn          *int64   `json:"tokens_in,omitempty" db:"tokens_in"`
	TokensOut         *int64   `json:"tokens_out,omitempty" db:"tokens_out"`
	CacheReadTokens   *int64   `json:"cache_read_tokens,omitempty" db:"cache_read_tokens"`
	CacheWriteTokens  *int64   `json:"cache_write_tokens,omitempty" db:"cache_write_tokens"`
	ToolUseCount      *int     `json:"tool_use_count,omitempty" db:"tool_use_count"`
	ThinkingBlocks    *int     `json:"thinking_blocks,omitempty" db:"thinking_blocks"`
	SubagentCount     *int     `json:"subagent_count,omitempty" db:"subagent_count"`
	CostEstimateUSD   *float64 `json:"cost_estimate_usd,omitempty" db:"cost_estimate_usd"`
	InitialPrompt     *string  `json:"initial_prompt,omitempty" db:"initial_prompt"`
}

// Session is the lifetime of one assistant conversation on one device in one
// workspace. The ID is caller-supplied (the assistant's own session ID).
type Session struct {
	ID              string          `json:"id" db:"id"`
	WorkspaceID     string          `json:"workspace_id" db:"workspace_id"`
	DeviceID        string          `json:"device_id" db:"device_id"`
	CCSessionID     string          `json:"cc_session_id" db:"cc_session_id"`
	Lifecycle       lifecycle.State `json:"lifecycle" db:"lifecycle"`
	ParseStatus     ParseStatus     `json:"parse_status" db:"parse_status"`
	CWD             *string         `json:"cwd,omitempty" db:"cwd"`
	GitBranch       *string         `json:"git_branch,omitempty" db:"git_branch"`
	GitRemote       *string         `json:"git_remote,omitempty" db:"git_remote"`
	Model           *string         `json:"model,omitempty" db:"model"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	DurationMS      *int64          `json:"duration_ms,omitempty" db:"duration_ms"`
	TranscriptS3Key *string         `json:"transcript_s3_key,omitempty" db:"transcript_s3_key"`
	ParseError      *string         `json:"parse_error,omitempty" db:"parse_error"`
	Summary         *string         `json:"summary,omitempty" db:"summary"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`

	SessionStats
}

// Event is the raw envelope posted by a device. Append-only; the only
// mutation ever applied is a session_id back-fill when an orphan git event is
// correlated at ingest time.
type Event struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"type"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	DeviceID    string          `json:"device_id" db:"device_id"`
	WorkspaceID string          `json:"workspace_id" db:"workspace_id"`
	SessionID   *string         `json:"session_id,omitempty" db:"session_id"`
	Data        json.RawMessage `json:"data" db:"data"`
	IngestedAt  time.Time       `json:"ingested_at" db:"ingested_at"`
	BlobRefs    json.RawMessage `json:"blob_refs,omitempty" db:"blob_refs"`
}

// MessageType classifies a transcript message.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
	MessageSummary   MessageType = "summary"
)

// TranscriptMessage is a single exchange within a session. Messages are owned
// by their session and rewritten wholesale on re-parse.
type TranscriptMessage struct {
	ID               string          `json:"id" db:"id"`
	SessionID        string          `json:"session_id" db:"session_id"`
	LineNumber       int             `json:"line_number" db:"line_number"`
	Ordinal          int             `json:"ordinal" db:"ordinal"`
	MessageType      MessageType     `json:"message_type" db:"message_type"`
	Role             *string         `json:"role,omitempty" db:"role"`
	Model            *string         `json:"model,omitempty" db:"model"`
	InputTokens      int64           `json:"input_tokens" db:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens" db:"output_tokens"`
	CacheReadTokens  int64           `json:"cache_read_tokens" db:"cache_read_tokens"`
	CacheWriteTokens int64           `json:"cache_write_tokens" db:"cache_write_tokens"`
	CostUSD          float64         `json:"cost_usd" db:"cost_usd"`
	Timestamp        *time.Time      `json:"timestamp,omitempty" db:"timestamp"`
	HasText          bool            `json:"has_text" db:"has_text"`
	HasThinking      bool            `json:"has_thinking" db:"has_thinking"`
	HasToolUse       bool            `json:"has_tool_use" db:"has_tool_use"`
	HasToolResult    bool            `json:"has_tool_result" db:"has_tool_result"`
	RawMessage       json.RawMessage `json:"raw_message,omitempty" db:"raw_message"`
	Metadata         json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// BlockType classifies a content block within a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a structural subunit of a transcript message.
type ContentBlock struct {
	ID           string          `json:"id" db:"id"`
	MessageID    string          `json:"message_id" db:"message_id"`
	SessionID    string          `json:"session_id" db:"session_id"`
	BlockOrder   int             `json:"block_order" db:"block_order"`
	BlockType    BlockType       `json:"block_type" db:"block_type"`
	ContentText  *string         `json:"content_text,omitempty" db:"content_text"`
	ThinkingText *string         `json:"thinking_text,omitempty" db:"thinking_text"`
	ToolName     *string         `json:"tool_name,omitempty" db:"tool_name"`
	ToolUseID    *string         `json:"tool_use_id,omitempty" db:"tool_use_id"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty" db:"tool_input"`
	ToolResultID *string         `json:"tool_result_id,omitempty" db:"tool_result_id"`
	IsError      bool            `json:"is_error" db:"is_error"`
	ResultText   *string         `json:"result_text,omitempty" db:"result_text"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// GitActivityType enumerates the normalized git event kinds.
type GitActivityType string

const (
	GitCommit   GitActivityType = "commit"
	GitPush     GitActivityType = "push"
	GitCheckout GitActivityType = "checkout"
	GitMerge    GitActivityType = "merge"
)

// GitActivity is a normalized record of one git event. Its ID equals the
// originating event ID, which makes inserts idempotent.
type GitActivity struct {
	ID           string          `json:"id" db:"id"`
	WorkspaceID  string          `json:"workspace_id" db:"workspace_id"`
	DeviceID     string          `json:"device_id" db:"device_id"`
	SessionID    *string         `json:"session_id,omitempty" db:"session_id"`
	Type         GitActivityType `json:"type" db:"type"`
	Branch       *string         `json:"branch,omitempty" db:"branch"`
	CommitSHA    *string         `json:"commit_sha,omitempty" db:"commit_sha"`
	Message      *string         `json:"message,omitempty" db:"message"`
	FilesChanged *int            `json:"files_changed,omitempty" db:"files_changed"`
	Insertions   *int            `json:"insertions,omitempty" db:"insertions"`
	Deletions    *int            `json:"deletions,omitempty" db:"deletions"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty" db:"data"`
}
