// Package summary generates short session summaries with the Claude Messages
// API. Summaries are strictly best-effort: a failure here never regresses a
// session's state.
package summary

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/devtrail/devtrail/internal/common/config"
	"github.com/devtrail/devtrail/internal/models"
)

const systemPrompt = "You summarize coding-assistant sessions. Given a session transcript, " +
	"reply with a 1-3 sentence plain-text summary of what was worked on and the outcome. " +
	"No preamble, no markdown."

// MessagesClient is the subset of the Anthropic SDK used here. Satisfied by
// *sdk.MessageService; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Result is the outcome of one summary attempt.
type Result struct {
	Success bool
	Summary *string
	Error   string
}

// Generator produces session summaries.
type Generator struct {
	msg MessagesClient
	cfg config.SummaryConfig
}

// New builds a Generator with an explicit messages client. A nil client is
// allowed and reported at generation time as a configuration error.
func New(msg MessagesClient, cfg config.SummaryConfig) *Generator {
	return &Generator{msg: msg, cfg: cfg}
}

// NewFromConfig builds a Generator, wiring the real SDK client when an API
// key is configured.
func NewFromConfig(cfg config.SummaryConfig) *Generator {
	var msg MessagesClient
	if cfg.APIKey != "" {
		client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
		msg = &client.Messages
	}
	return New(msg, cfg)
}

// Generate produces a summary for a parsed session.
func (g *Generator) Generate(ctx context.Context, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) Result {
	if !g.cfg.Enabled {
		return Result{Success: true}
	}
	if len(msgs) == 0 {
		s := "Empty session."
		return Result{Success: true, Summary: &s}
	}
	if g.msg == nil {
		return Result{Success: false, Error: "ANTHROPIC_API_KEY not configured"}
	}

	rendered := Render(msgs, blocks)

	if g.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.TimeoutDuration())
		defer cancel()
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(g.cfg.Model),
		MaxTokens: int64(g.cfg.MaxOutputTokens),
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(rendered))},
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(g.cfg.Temperature)
	}

	resp, err := g.msg.New(ctx, params)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("model call failed: %v", err)}
	}

	text := ""
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return Result{Success: false, Error: "model returned no text"}
	}
	return Result{Success: true, Summary: &text}
}
