// Package runtime runs one agent turn: a prompt in, a stream of events out.
package runtime

import (
	"context"
	"time"
)

// Event types emitted by runtimes. Runtimes may emit other types; they are buffered and
// replayed as-is.
const (
	EventTurnStarted         = "turn_started"
	EventText                = "text"
	EventToolApprovalRequest = "tool_approval_request"
	EventToolResult          = "tool_result"
	EventError               = "error"
	EventTurnEnded           = "turn_ended"
)

// Event is one chunk of an agent's output stream.
type Event struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Text       string         `json:"text,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// TurnRequest is what a runtime receives for one turn. The subprocess runtime writes it to the
// agent's stdin as one JSON line.
type TurnRequest struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	Model          string `json:"model,omitempty"`
	WorkspacePath  string `json:"workspacePath"`
	Prompt         string `json:"prompt"`
	MaxTokens      int    `json:"maxTokens,omitempty"` // 0 = runtime default
}

type TurnResult struct {
	Output string
}

type Runtime interface {
	Name() string
	RunTurn(ctx context.Context, req TurnRequest, emit func(Event)) (TurnResult, error)
}

// Preflighter is implemented by runtimes that can tell, before a session exists, whether a
// turn could be started at all (binary present, credentials configured).
type Preflighter interface {
	Preflight(ctx context.Context, workspacePath string) error
}

// FuncRuntime adapts a function to Runtime.
type FuncRuntime struct {
	ID string
	Fn func(ctx context.Context, req TurnRequest, emit func(Event)) (TurnResult, error)
}

func (f FuncRuntime) Name() string {
	if f.ID == "" {
		return "func"
	}
	return f.ID
}

func (f FuncRuntime) RunTurn(ctx context.Context, req TurnRequest, emit func(Event)) (TurnResult, error) {
	return f.Fn(ctx, req, emit)
}
