package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/airgap/maude-sub003/internal/sandbox"
)

// maxLineBytes bounds one NDJSON line from the agent.
const maxLineBytes = 4 << 20

// SubprocessRuntime runs a local agent binary in the workspace: stdin = JSON TurnRequest,
// stdout = NDJSON events per line. Non-JSON stdout lines are collected as plain output.
// If Sandbox is set (and bubblewrap is available on Linux), the process runs inside a
// bubblewrap sandbox where only the workspace is writable.
type SubprocessRuntime struct {
	Command string
	Args    []string
	Env     []string      // extra KEY=VALUE pairs
	Timeout time.Duration // 0 = use context only
	Sandbox bool
}

func (r SubprocessRuntime) Name() string { return "subprocess" }

// Preflight checks that the command resolves and the workspace exists.
func (r SubprocessRuntime) Preflight(_ context.Context, workspacePath string) error {
	if r.Command == "" {
		return errors.New("subprocess command is required")
	}
	if _, err := exec.LookPath(r.Command); err != nil {
		return fmt.Errorf("agent command %q: %w", r.Command, err)
	}
	if workspacePath != "" {
		if fi, err := os.Stat(workspacePath); err != nil || !fi.IsDir() {
			return fmt.Errorf("workspace %q is not a directory", workspacePath)
		}
	}
	return nil
}

func (r SubprocessRuntime) RunTurn(ctx context.Context, req TurnRequest, emit func(Event)) (TurnResult, error) {
	if r.Command == "" {
		return TurnResult{}, errors.New("subprocess command is required")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var cmd *exec.Cmd
	if r.Sandbox {
		cmd = sandbox.WrapCommand(ctx, req.WorkspacePath, r.Command, r.Args)
	} else {
		cmd = exec.CommandContext(ctx, r.Command, r.Args...)
	}
	cmd.Dir = req.WorkspacePath
	cmd.Env = append(os.Environ(), "MAUDE_SESSION_ID="+req.SessionID, "MAUDE_CONVERSATION_ID="+req.ConversationID)
	cmd.Env = append(cmd.Env, r.Env...)
	if req.Model != "" {
		cmd.Env = append(cmd.Env, "MAUDE_MODEL="+req.Model)
	}
	configureProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return TurnResult{}, err
	}
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	var stderr tailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return TurnResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return TurnResult{}, err
	}

	var (
		output   strings.Builder
		agentErr string
	)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
			output.WriteString(line)
			output.WriteString("\n")
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		switch ev.Type {
		case EventText:
			output.WriteString(ev.Text)
		case EventError:
			agentErr = ev.Text
		}
		emit(ev)
	}
	scanErr := sc.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return TurnResult{}, fmt.Errorf("agent turn interrupted: %w", ctx.Err())
	}
	if scanErr != nil {
		return TurnResult{}, fmt.Errorf("read agent output: %w", scanErr)
	}
	if waitErr != nil {
		slog.Warn("agent subprocess exited with error", "session_id", req.SessionID, "err", waitErr)
		if tail := stderr.String(); tail != "" {
			return TurnResult{}, fmt.Errorf("agent exited: %w: %s", waitErr, tail)
		}
		return TurnResult{}, fmt.Errorf("agent exited: %w", waitErr)
	}
	if agentErr != "" {
		return TurnResult{}, fmt.Errorf("agent reported error: %s", agentErr)
	}
	return TurnResult{Output: strings.TrimSpace(output.String())}, nil
}

// tailBuffer keeps the last 4 KiB written to it.
type tailBuffer struct {
	buf []byte
}

const tailMax = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailMax {
		t.buf = t.buf[len(t.buf)-tailMax:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return strings.TrimSpace(string(t.buf)) }
