package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 8192
)

// AnthropicRuntime answers a turn with one Messages API call. It has no tools, so it suits
// planning or review stories rather than stories that must edit the workspace.
type AnthropicRuntime struct {
	APIKey    string // falls back to ANTHROPIC_API_KEY
	BaseURL   string // optional
	Model     string // used when the request has none
	MaxTokens int
	System    string
}

func (r AnthropicRuntime) Name() string { return "api" }

func (r AnthropicRuntime) apiKey() string {
	if r.APIKey != "" {
		return r.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

// Preflight fails when no API key is configured.
func (r AnthropicRuntime) Preflight(context.Context, string) error {
	if r.apiKey() == "" {
		return errors.New("anthropic api key not configured (set ANTHROPIC_API_KEY)")
	}
	return nil
}

func (r AnthropicRuntime) RunTurn(ctx context.Context, req TurnRequest, emit func(Event)) (TurnResult, error) {
	key := r.apiKey()
	if key == "" {
		return TurnResult{}, errors.New("anthropic api key not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if r.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(r.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := req.Model
	if model == "" {
		model = r.Model
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if r.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: r.System}}
	}

	emit(Event{Type: EventTurnStarted, SessionID: req.SessionID, Timestamp: time.Now().UTC(), Data: map[string]any{"model": model}})
	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return TurnResult{}, fmt.Errorf("anthropic messages: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return TurnResult{}, errors.New("anthropic messages: empty response")
	}

	var out strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type != "text" {
			continue
		}
		text := block.AsText().Text
		out.WriteString(text)
		emit(Event{Type: EventText, SessionID: req.SessionID, Text: text, Timestamp: time.Now().UTC()})
	}
	emit(Event{
		Type:      EventTurnEnded,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"stopReason":   string(resp.StopReason),
			"inputTokens":  resp.Usage.InputTokens,
			"outputTokens": resp.Usage.OutputTokens,
		},
	})
	return TurnResult{Output: out.String()}, nil
}

// New builds a runtime by name: "stub", "subprocess" or "api".
func New(name string, sub SubprocessRuntime, api AnthropicRuntime) (Runtime, error) {
	switch name {
	case "", "stub":
		return StubRuntime{}, nil
	case "subprocess":
		if sub.Command == "" {
			return nil, errors.New("subprocess runtime requires a command")
		}
		return sub, nil
	case "api":
		return api, nil
	default:
		return nil, fmt.Errorf("unknown agent runtime %q (want stub, subprocess or api)", name)
	}
}
