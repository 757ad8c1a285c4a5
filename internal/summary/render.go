package summary

import (
	"fmt"
	"strings"

	"github.com/devtrail/devtrail/internal/models"
)

const (
	// maxBodyChars bounds the rendered transcript body sent to the model.
	maxBodyChars = 8000
	headChars    = maxBodyChars * 6 / 10
	tailChars    = maxBodyChars - headChars
)

// Render produces the model-facing transcript view: a short header followed
// by one section per message. Thinking and tool_result blocks are excluded;
// tool uses appear by name only. Oversized bodies keep a head and tail window
// around a truncation marker.
func Render(msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) string {
	byMessage := make(map[string][]*models.ContentBlock, len(msgs))
	for _, b := range blocks {
		byMessage[b.MessageID] = append(byMessage[b.MessageID], b)
	}

	var userCount, assistantCount, toolUses int
	sections := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch m.MessageType {
		case models.MessageUser:
			userCount++
		case models.MessageAssistant:
			assistantCount++
		}
		if section := renderMessage(m, byMessage[m.ID]); section != "" {
			sections = append(sections, section)
		}
		for _, b := range byMessage[m.ID] {
			if b.BlockType == models.BlockToolUse {
				toolUses++
			}
		}
	}

	var duration string
	if len(msgs) > 0 && msgs[0].Timestamp != nil && msgs[len(msgs)-1].Timestamp != nil {
		duration = fmt.Sprintf(", duration %s",
			msgs[len(msgs)-1].Timestamp.Sub(*msgs[0].Timestamp).Round(1e9))
	}
	header := fmt.Sprintf("Session: %d user messages, %d assistant messages, %d tool uses%s\n\n",
		userCount, assistantCount, toolUses, duration)

	return header + truncateSections(sections)
}

func renderMessage(m *models.TranscriptMessage, blocks []*models.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.BlockType {
		case models.BlockText:
			if b.ContentText != nil && *b.ContentText != "" {
				parts = append(parts, *b.ContentText)
			}
		case models.BlockToolUse:
			name := "tool"
			if b.ToolName != nil {
				name = *b.ToolName
			}
			parts = append(parts, fmt.Sprintf("[tool: %s]", name))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return string(m.MessageType) + ": " + strings.Join(parts, "\n")
}

// truncateSections keeps a head window and a tail window with a marker noting
// how many messages were dropped in between.
func truncateSections(sections []string) string {
	total := 0
	for _, s := range sections {
		total += len(s) + 1
	}
	if total <= maxBodyChars {
		return strings.Join(sections, "\n")
	}

	var head []string
	used := 0
	i := 0
	for ; i < len(sections); i++ {
		if used+len(sections[i])+1 > headChars {
			break
		}
		head = append(head, sections[i])
		used += len(sections[i]) + 1
	}

	var tail []string
	used = 0
	j := len(sections)
	for ; j > i; j-- {
		s := sections[j-1]
		if used+len(s)+1 > tailChars {
			break
		}
		tail = append([]string{s}, tail...)
		used += len(s) + 1
	}

	dropped := j - i
	if dropped <= 0 {
		return strings.Join(append(head, tail...), "\n")
	}
	marker := fmt.Sprintf("... [truncated %d messages] ...", dropped)
	out := append(head, marker)
	out = append(out, tail...)
	return strings.Join(out, "\n")
}
