package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestSubprocessRuntime_Name(t *testing.T) {
	r := SubprocessRuntime{}
	if r.Name() != "subprocess" {
		t.Errorf("Name: got %q", r.Name())
	}
}

func TestSubprocessRuntime_RunTurn_emptyCommand(t *testing.T) {
	r := SubprocessRuntime{}
	_, err := r.RunTurn(context.Background(), TurnRequest{}, func(Event) {})
	if err == nil {
		t.Fatal("expected error when command empty")
	}
}

func TestSubprocessRuntime_Preflight(t *testing.T) {
	if err := (SubprocessRuntime{Command: "/definitely/not/here"}).Preflight(context.Background(), ""); err == nil {
		t.Fatal("expected missing binary error")
	}
	script := writeScript(t, "exit 0\n")
	if err := (SubprocessRuntime{Command: script}).Preflight(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected missing workspace error")
	}
	if err := (SubprocessRuntime{Command: script}).Preflight(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Preflight: %v", err)
	}
}

func TestSubprocessRuntime_RunTurn_streamsEventsInWorkspace(t *testing.T) {
	ws := t.TempDir()
	// Echo the request back as a text event, then report the working directory.
	script := writeScript(t, `read line
echo '{"type":"text","text":"hello "}'
echo '{"type":"tool_approval_request","toolCallId":"t1"}'
echo "{\"type\":\"text\",\"text\":\"from $(pwd)\"}"
echo 'plain line'
`)
	r := SubprocessRuntime{Command: script, Timeout: 5 * time.Second}
	var events []Event
	res, err := r.RunTurn(context.Background(), TurnRequest{SessionID: "s1", WorkspacePath: ws, Prompt: "hi"}, func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events: got %d, want 3: %+v", len(events), events)
	}
	if events[1].Type != EventToolApprovalRequest || events[1].ToolCallID != "t1" {
		t.Errorf("approval event: %+v", events[1])
	}
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			t.Errorf("timestamp not filled: %+v", ev)
		}
	}
	if !strings.Contains(res.Output, "hello from") || !strings.Contains(res.Output, "plain line") {
		t.Errorf("output: %q", res.Output)
	}
	if !strings.Contains(res.Output, filepath.Base(ws)) {
		t.Errorf("agent did not run in workspace: %q", res.Output)
	}
}

func TestSubprocessRuntime_RunTurn_nonZeroExit(t *testing.T) {
	script := writeScript(t, "read line\necho 'compile error' >&2\nexit 3\n")
	r := SubprocessRuntime{Command: script}
	_, err := r.RunTurn(context.Background(), TurnRequest{WorkspacePath: t.TempDir()}, func(Event) {})
	if err == nil {
		t.Fatal("expected error on non-zero exit")
	}
	if !strings.Contains(err.Error(), "compile error") {
		t.Errorf("stderr tail missing: %v", err)
	}
}

func TestSubprocessRuntime_RunTurn_errorEvent(t *testing.T) {
	script := writeScript(t, "read line\necho '{\"type\":\"error\",\"text\":\"rate limited\"}'\n")
	r := SubprocessRuntime{Command: script}
	_, err := r.RunTurn(context.Background(), TurnRequest{WorkspacePath: t.TempDir()}, func(Event) {})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected agent error, got %v", err)
	}
}

func TestSubprocessRuntime_RunTurn_contextCancel(t *testing.T) {
	script := writeScript(t, "read line\necho '{\"type\":\"text\",\"text\":\"working\"}'\nsleep 30\n")
	r := SubprocessRuntime{Command: script}
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := r.RunTurn(ctx, TurnRequest{WorkspacePath: t.TempDir()}, func(Event) {
			select {
			case started <- struct{}{}:
			default:
			}
		})
		done <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never produced output")
	}
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected interrupted error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunTurn did not return after cancel")
	}
}

func TestTurnRequest_wireFormat(t *testing.T) {
	b, err := json.Marshal(TurnRequest{SessionID: "s", Prompt: "p", WorkspacePath: "/w"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, key := range []string{`"sessionId":"s"`, `"prompt":"p"`, `"workspacePath":"/w"`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("missing %s in %s", key, b)
		}
	}
}
