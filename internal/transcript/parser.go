// Package transcript parses newline-delimited JSON session transcripts into
// ordered messages, content blocks, and aggregate statistics.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/devtrail/devtrail/internal/models"
)

const (
	// maxLineBytes caps a single transcript line. Longer lines are skipped.
	maxLineBytes = 5 * 1024 * 1024
	// maxInlineContentBytes caps inline tool_result content. Longer results
	// are truncated with the original length recorded in block metadata.
	maxInlineContentBytes = 256 * 1024
	// maxInitialPromptChars caps the captured initial prompt.
	maxInitialPromptChars = 1000
)

// Model pricing per million tokens.
const (
	inputCostPerMTok      = 3.0
	outputCostPerMTok     = 15.0
	cacheReadCostPerMTok  = 0.30
	cacheWriteCostPerMTok = 3.75
)

// LineError records a line that could not be parsed.
type LineError struct {
	LineNumber int    `json:"line_number"`
	Reason     string `json:"reason"`
}

// Stats are the aggregates computed across all parsed messages.
type Stats struct {
	TotalMessages     int     `json:"total_messages"`
	UserMessages      int     `json:"user_messages"`
	AssistantMessages int     `json:"assistant_messages"`
	TokensIn          int64   `json:"tokens_in"`
	TokensOut         int64   `json:"tokens_out"`
	CacheReadTokens   int64   `json:"cache_read_tokens"`
	CacheWriteTokens  int64   `json:"cache_write_tokens"`
	ToolUseCount      int     `json:"tool_use_count"`
	ThinkingBlocks    int     `json:"thinking_blocks"`
	SubagentCount     int     `json:"subagent_count"`
	DurationMS        *int64  `json:"duration_ms,omitempty"`
	CostEstimateUSD   float64 `json:"cost_estimate_usd"`
	InitialPrompt     *string `json:"initial_prompt,omitempty"`
}

// Metadata captures session-level fields from the transcript itself.
type Metadata struct {
	SessionID      *string    `json:"session_id,omitempty"`
	CWD            *string    `json:"cwd,omitempty"`
	Version        *string    `json:"version,omitempty"`
	GitBranch      *string    `json:"git_branch,omitempty"`
	FirstTimestamp *time.Time `json:"first_timestamp,omitempty"`
	LastTimestamp  *time.Time `json:"last_timestamp,omitempty"`
}

// Result is the full parser output for one transcript.
type Result struct {
	Messages      []*models.TranscriptMessage `json:"messages"`
	ContentBlocks []*models.ContentBlock      `json:"content_blocks"`
	Errors        []LineError                 `json:"errors,omitempty"`
	Stats         Stats                       `json:"stats"`
	Metadata      Metadata                    `json:"metadata"`
}

// Wire shapes.

type rawLine struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Summary   string          `json:"summary"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	CWD       string          `json:"cwd"`
	Version   string          `json:"version"`
	GitBranch string          `json:"gitBranch"`
	Content   string          `json:"content"`
}

type rawMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

type rawUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// ignoredTypes are line types that are neither messages nor errors.
var ignoredTypes = map[string]bool{
	"progress":              true,
	"file-history-snapshot": true,
	"queue-operation":       true,
}

var messageTypes = map[string]models.MessageType{
	"user":      models.MessageUser,
	"assistant": models.MessageAssistant,
	"system":    models.MessageSystem,
	"summary":   models.MessageSummary,
}

// parser accumulates output while walking lines.
type parser struct {
	sessionID string
	result    *Result

	// pending assistant group, merged across consecutive lines sharing a
	// message ID
	group *assistantGroup

	firstLineSeen   bool
	firstUserPrompt bool
}

type assistantGroup struct {
	messageID  string
	model      string
	lineNumber int
	timestamp  *time.Time
	usage      *rawUsage
	blocks     []rawBlock
	raw        json.RawMessage
}

// Parse converts a raw transcript body into messages, blocks, and stats.
// Line-level failures are collected in Result.Errors; the parse itself never
// fails.
func Parse(sessionID string, data []byte) *Result {
	p := &parser{sessionID: sessionID, result: &Result{}}

	lineNumber := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		lineNumber++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if len(line) > maxLineBytes {
			p.addError(lineNumber, "Line exceeds max size")
			continue
		}
		p.handleLine(lineNumber, line)
	}
	p.flushGroup()
	p.finalize()
	return p.result
}

func (p *parser) addError(lineNumber int, reason string) {
	p.result.Errors = append(p.result.Errors, LineError{LineNumber: lineNumber, Reason: reason})
}

func (p *parser) handleLine(lineNumber int, line []byte) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		p.flushGroup()
		p.addError(lineNumber, "Invalid JSON")
		return
	}
	if raw.Type == "" {
		p.flushGroup()
		p.addError(lineNumber, "Missing type field")
		return
	}
	if ignoredTypes[raw.Type] {
		return
	}
	msgType, known := messageTypes[raw.Type]
	if !known {
		p.flushGroup()
		p.addError(lineNumber, "Unknown line type")
		return
	}

	p.captureMetadata(&raw)
	ts := parseTimestamp(raw.Timestamp)
	p.trackTimestamps(ts)

	if msgType == models.MessageAssistant {
		p.handleAssistantLine(lineNumber, &raw, ts)
		return
	}
	p.flushGroup()

	switch msgType {
	case models.MessageUser:
		p.emitUserMessage(lineNumber, &raw, ts)
	case models.MessageSystem:
		p.emitSimpleMessage(lineNumber, models.MessageSystem, raw.Content, ts)
	case models.MessageSummary:
		p.emitSimpleMessage(lineNumber, models.MessageSummary, raw.Summary, ts)
	}
}

func (p *parser) captureMetadata(raw *rawLine) {
	if p.firstLineSeen {
		return
	}
	p.firstLineSeen = true
	md := &p.result.Metadata
	if raw.SessionID != "" {
		md.SessionID = &raw.SessionID
	}
	if raw.CWD != "" {
		md.CWD = &raw.CWD
	}
	if raw.Version != "" {
		md.Version = &raw.Version
	}
	if raw.GitBranch != "" {
		md.GitBranch = &raw.GitBranch
	}
}

func (p *parser) trackTimestamps(ts *time.Time) {
	if ts == nil {
		return
	}
	md := &p.result.Metadata
	if md.FirstTimestamp == nil || ts.Before(*md.FirstTimestamp) {
		md.FirstTimestamp = ts
	}
	if md.LastTimestamp == nil || ts.After(*md.LastTimestamp) {
		md.LastTimestamp = ts
	}
}

func (p *parser) handleAssistantLine(lineNumber int, raw *rawLine, ts *time.Time) {
	var msg rawMessage
	if len(raw.Message) > 0 {
		if err := json.Unmarshal(raw.Message, &msg); err != nil {
			p.flushGroup()
			p.addError(lineNumber, "Invalid JSON")
			return
		}
	}

	blocks := decodeBlocks(msg.Content)

	if p.group != nil && msg.ID != "" && p.group.messageID == msg.ID {
		// Streaming continuation: concatenate blocks, keep the last
		// usage (most complete).
		p.group.blocks = append(p.group.blocks, blocks...)
		if msg.Usage != nil {
			p.group.usage = msg.Usage
		}
		p.group.raw = raw.Message
		return
	}

	p.flushGroup()
	p.group = &assistantGroup{
		messageID:  msg.ID,
		model:      msg.Model,
		lineNumber: lineNumber,
		timestamp:  ts,
		usage:      msg.Usage,
		blocks:     blocks,
		raw:        raw.Message,
	}
}

// flushGroup materializes the pending assistant group, if any.
func (p *parser) flushGroup() {
	g := p.group
	if g == nil {
		return
	}
	p.group = nil

	m := p.newMessage(g.lineNumber, models.MessageAssistant, g.timestamp)
	role := "assistant"
	m.Role = &role
	if g.model != "" {
		m.Model = &g.model
	}
	if g.usage != nil {
		m.InputTokens = g.usage.InputTokens
		m.OutputTokens = g.usage.OutputTokens
		m.CacheReadTokens = g.usage.CacheReadInputTokens
		m.CacheWriteTokens = g.usage.CacheCreationInputTokens
	}
	m.CostUSD = messageCost(m)
	m.RawMessage = g.raw
	p.appendBlocks(m, g.blocks)
	p.appendMessage(m)
}

func (p *parser) emitUserMessage(lineNumber int, raw *rawLine, ts *time.Time) {
	var msg rawMessage
	if len(raw.Message) > 0 {
		if err := json.Unmarshal(raw.Message, &msg); err != nil {
			p.addError(lineNumber, "Invalid JSON")
			return
		}
	}

	m := p.newMessage(lineNumber, models.MessageUser, ts)
	role := "user"
	m.Role = &role
	m.RawMessage = raw.Message
	blocks := decodeBlocks(msg.Content)
	p.appendBlocks(m, blocks)

	if !p.firstUserPrompt {
		p.firstUserPrompt = true
		if prompt := firstText(blocks); prompt != "" {
			truncated := truncatePrompt(prompt)
			p.result.Stats.InitialPrompt = &truncated
		}
	}
	p.appendMessage(m)
}

func (p *parser) emitSimpleMessage(lineNumber int, msgType models.MessageType, text string, ts *time.Time) {
	m := p.newMessage(lineNumber, msgType, ts)
	if text != "" {
		blockText := text
		m.HasText = true
		p.result.ContentBlocks = append(p.result.ContentBlocks, &models.ContentBlock{
			ID:          uuid.New().String(),
			MessageID:   m.ID,
			SessionID:   p.sessionID,
			BlockOrder:  0,
			BlockType:   models.BlockText,
			ContentText: &blockText,
		})
	}
	p.appendMessage(m)
}

func (p *parser) newMessage(lineNumber int, msgType models.MessageType, ts *time.Time) *models.TranscriptMessage {
	return &models.TranscriptMessage{
		ID:          uuid.New().String(),
		SessionID:   p.sessionID,
		LineNumber:  lineNumber,
		Ordinal:     len(p.result.Messages),
		MessageType: msgType,
		Timestamp:   ts,
	}
}

func (p *parser) appendMessage(m *models.TranscriptMessage) {
	p.result.Messages = append(p.result.Messages, m)

	st := &p.result.Stats
	st.TotalMessages++
	switch m.MessageType {
	case models.MessageUser:
		st.UserMessages++
	case models.MessageAssistant:
		st.AssistantMessages++
	}
	st.TokensIn += m.InputTokens
	st.TokensOut += m.OutputTokens
	st.CacheReadTokens += m.CacheReadTokens
	st.CacheWriteTokens += m.CacheWriteTokens
	st.CostEstimateUSD += m.CostUSD
}

// appendBlocks converts decoded wire blocks into content block rows and sets
// the message flags.
func (p *parser) appendBlocks(m *models.TranscriptMessage, blocks []rawBlock) {
	order := 0
	for i := range blocks {
		b := &blocks[i]
		cb := &models.ContentBlock{
			ID:         uuid.New().String(),
			MessageID:  m.ID,
			SessionID:  p.sessionID,
			BlockOrder: order,
		}
		switch b.Type {
		case "text":
			cb.BlockType = models.BlockText
			text := b.Text
			cb.ContentText = &text
			m.HasText = true
		case "thinking":
			cb.BlockType = models.BlockThinking
			text := b.Thinking
			cb.ThinkingText = &text
			m.HasThinking = true
			p.result.Stats.ThinkingBlocks++
		case "tool_use":
			cb.BlockType = models.BlockToolUse
			if b.Name != "" {
				name := b.Name
				cb.ToolName = &name
			}
			if b.ID != "" {
				id := b.ID
				cb.ToolUseID = &id
			}
			cb.ToolInput = b.Input
			m.HasToolUse = true
			p.result.Stats.ToolUseCount++
			if b.Name == "Task" {
				p.result.Stats.SubagentCount++
			}
		case "tool_result":
			cb.BlockType = models.BlockToolResult
			if b.ToolUseID != "" {
				id := b.ToolUseID
				cb.ToolResultID = &id
			}
			cb.IsError = b.IsError
			text := resultText(b.Content)
			if len(text) > maxInlineContentBytes {
				meta, _ := json.Marshal(map[string]any{
					"truncated":            true,
					"original_byte_length": len(text),
				})
				cb.Metadata = meta
				text = text[:maxInlineContentBytes]
			}
			cb.ResultText = &text
			m.HasToolResult = true
		default:
			continue
		}
		p.result.ContentBlocks = append(p.result.ContentBlocks, cb)
		order++
	}
}

func (p *parser) finalize() {
	md := p.result.Metadata
	if md.FirstTimestamp != nil && md.LastTimestamp != nil {
		d := md.LastTimestamp.Sub(*md.FirstTimestamp).Milliseconds()
		p.result.Stats.DurationMS = &d
	}
}

// decodeBlocks accepts the three content encodings: a block array, a bare
// string (one text block), or null.
func decodeBlocks(content json.RawMessage) []rawBlock {
	content = bytes.TrimSpace(content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil
	}
	if content[0] == '"' {
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return nil
		}
		return []rawBlock{{Type: "text", Text: s}}
	}
	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// resultText flattens a tool_result content value to text. The wire value is
// either a string or an array of text blocks.
func resultText(content json.RawMessage) string {
	content = bytes.TrimSpace(content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return ""
	}
	if content[0] == '"' {
		var s string
		if err := json.Unmarshal(content, &s); err == nil {
			return s
		}
		return ""
	}
	var parts []rawBlock
	if err := json.Unmarshal(content, &parts); err != nil {
		return string(content)
	}
	var buf bytes.Buffer
	for _, part := range parts {
		if part.Type == "text" {
			buf.WriteString(part.Text)
		}
	}
	return buf.String()
}

func firstText(blocks []rawBlock) string {
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}

func truncatePrompt(s string) string {
	if utf8.RuneCountInString(s) <= maxInitialPromptChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxInitialPromptChars]) + "..."
}

func messageCost(m *models.TranscriptMessage) float64 {
	const mtok = 1_000_000.0
	return float64(m.InputTokens)/mtok*inputCostPerMTok +
		float64(m.OutputTokens)/mtok*outputCostPerMTok +
		float64(m.CacheReadTokens)/mtok*cacheReadCostPerMTok +
		float64(m.CacheWriteTokens)/mtok*cacheWriteCostPerMTok
}

func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// SessionFields returns the session column updates derived from a parse
// result, keyed by column name for the store's update paths.
func (r *Result) SessionFields() map[string]any {
	st := r.Stats
	fields := map[string]any{
		"total_messages":     st.TotalMessages,
		"user_messages":      st.UserMessages,
		"assistant_messages": st.AssistantMessages,
		"tokens_in":          st.TokensIn,
		"tokens_out":         st.TokensOut,
		"cache_read_tokens":  st.CacheReadTokens,
		"cache_write_tokens": st.CacheWriteTokens,
		"tool_use_count":     st.ToolUseCount,
		"thinking_blocks":    st.ThinkingBlocks,
		"subagent_count":     st.SubagentCount,
		"cost_estimate_usd":  st.CostEstimateUSD,
	}
	if st.InitialPrompt != nil {
		fields["initial_prompt"] = *st.InitialPrompt
	}
	if st.DurationMS != nil {
		fields["duration_ms"] = *st.DurationMS
	}
	return fields
}

// ErrorSummary joins line errors into one parse_error string, empty when the
// parse was clean.
func (r *Result) ErrorSummary() string {
	if len(r.Errors) == 0 {
		return ""
	}
	var buf bytes.Buffer
	for i, e := range r.Errors {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "line %d: %s", e.LineNumber, e.Reason)
	}
	return buf.String()
}
