package runtime

import (
	"context"
	"strings"
	"time"
)

// StubRuntime is a deterministic local runtime that emits plausible events
// without calling any external LLM or spawning subprocesses.
type StubRuntime struct {
	// Delay between events; 0 uses 150ms.
	Delay time.Duration
}

func (StubRuntime) Name() string { return "stub" }

func (StubRuntime) Preflight(context.Context, string) error { return nil }

func (r StubRuntime) RunTurn(ctx context.Context, req TurnRequest, emit func(Event)) (TurnResult, error) {
	delay := r.Delay
	if delay == 0 {
		delay = 150 * time.Millisecond
	}
	emit(Event{
		Type:      EventTurnStarted,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"model": req.Model,
		},
	})

	sleep(ctx, delay)
	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}
	text := "stub: " + firstLine(req.Prompt)
	emit(Event{
		Type:      EventText,
		SessionID: req.SessionID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})

	sleep(ctx, delay)
	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}
	emit(Event{
		Type:      EventTurnEnded,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
	})

	return TurnResult{Output: text}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimLeft(s, "# ")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
		return
	}
}
