package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/airgap/maude-sub003/internal/agent/runtime"
	"github.com/airgap/maude-sub003/internal/agent/session"
	"github.com/airgap/maude-sub003/internal/gitsafety"
	"github.com/airgap/maude-sub003/internal/otel"
	"github.com/airgap/maude-sub003/internal/progress"
	"github.com/airgap/maude-sub003/internal/prompt"
	"github.com/airgap/maude-sub003/internal/resolver"
	"github.com/airgap/maude-sub003/internal/sandbox"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

const (
	reasonMaxIterations = "max_iterations"
	maxLearningLen      = 2000
	defaultCheckTimeout = 10 * time.Minute
)

// publish sends a story event unless the loop was cancelled meanwhile.
func (s *Scheduler) publish(r *run, ev models.LoopEvent) {
	ev.LoopID = r.loopID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	s.bus.Publish(ev)
}

func (r *run) setSession(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// iterate runs attempts until the loop leaves the running state.
func (s *Scheduler) iterate(ctx context.Context, r *run) {
	for ctx.Err() == nil {
		l, proceed, err := s.checkpoint(ctx, r)
		if err != nil {
			if s.fail(ctx, r, l, err) {
				return
			}
			continue
		}
		if !proceed {
			return
		}
		if done := s.step(ctx, r, l); done {
			return
		}
		if d := time.Duration(l.Config.DelayBetweenMs) * time.Millisecond; d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
	}
}

// step resolves the next story and attempts it. It reports whether the goroutine is done.
func (s *Scheduler) step(ctx context.Context, r *run, l models.Loop) bool {
	if limit := l.Config.MaxIterations; limit > 0 && l.Iteration >= limit {
		return s.finish(ctx, r, l, models.LoopCompleted, "", map[string]any{"reason": reasonMaxIterations})
	}
	stories, err := s.st.ListStories(ctx, store.StoryFilter{Scope: &store.Scope{PRDID: l.PRDID, WorkspacePath: l.WorkspacePath}})
	if err != nil {
		return s.fail(ctx, r, l, err)
	}
	next := resolver.Next(stories)
	if next.Story == nil {
		data := map[string]any{"reason": string(next.Reason)}
		if len(next.BlockedBy) > 0 {
			data["blockedBy"] = next.BlockedBy
		}
		return s.finish(ctx, r, l, models.LoopCompleted, "", data)
	}
	if err := s.attempt(ctx, r, l, *next.Story); err != nil {
		return s.fail(ctx, r, l, err)
	}
	return ctx.Err() != nil
}

// checkpoint re-reads the loop and decides whether to run another attempt. A loop that is no
// longer running releases the goroutine; Resume starts a new one.
func (s *Scheduler) checkpoint(ctx context.Context, r *run) (models.Loop, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.st.GetLoop(ctx, r.loopID)
	if err != nil {
		return models.Loop{ID: r.loopID}, false, err
	}
	if l.Status != models.LoopRunning {
		if s.runs[r.loopID] == r {
			delete(s.runs, r.loopID)
		}
		slog.Debug("loop goroutine exits", "loop_id", l.ID, "status", l.Status)
		return l, false, nil
	}
	return l, true, nil
}

// finish moves a running loop into a terminal state and closes its event stream. It returns
// false when the loop left the running state concurrently, in which case the caller goes back
// to the checkpoint.
func (s *Scheduler) finish(ctx context.Context, r *run, l models.Loop, status, lastError string, data map[string]any) bool {
	var errp *string
	if lastError != "" {
		errp = &lastError
	}
	// The transition must land even when the loop context is gone.
	tctx := context.WithoutCancel(ctx)
	ok, err := s.st.TransitionLoop(tctx, r.loopID, []string{models.LoopRunning}, status, errp)
	if err != nil {
		slog.Error("loop transition failed", "loop_id", r.loopID, "to", status, "err", err)
		s.detach(r)
		return true
	}
	if !ok {
		return false
	}
	s.detach(r)
	otel.RecordLoopTransition(tctx, status)
	slog.Info("loop finished", "loop_id", r.loopID, "status", status, "err", lastError, "data", data)

	r.mu.Lock()
	if !r.closed {
		r.closed = true
		s.bus.Publish(models.LoopEvent{Type: terminalEvent(status), LoopID: r.loopID, Message: lastError, Data: data})
		s.bus.Publish(models.LoopEvent{Type: models.EventLoopDone, LoopID: r.loopID, Data: map[string]any{"status": status}})
	}
	r.mu.Unlock()

	detail := lastError
	if reason, ok := data["reason"].(string); ok && detail == "" {
		detail = reason
	}
	if fresh, err := s.st.GetLoop(tctx, r.loopID); err == nil {
		l = fresh
	}
	s.notifyTerminal(l, status, detail)
	return true
}

// fail ends the loop after a store error. Errors caused by cancellation are not failures.
func (s *Scheduler) fail(ctx context.Context, r *run, l models.Loop, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	slog.Error("loop failed", "loop_id", r.loopID, "err", err)
	return s.finish(ctx, r, l, models.LoopFailed, err.Error(), nil)
}

// outcome is the result of one agent attempt before it is recorded.
type outcome struct {
	sessionID string
	commitSHA *string
	learning  string // empty on success
	cancelled bool
}

// attempt runs one story attempt end to end. Only store errors are returned; everything that
// goes wrong inside the attempt is folded into the story's learnings.
func (s *Scheduler) attempt(ctx context.Context, r *run, l models.Loop, story models.Story) error {
	started := time.Now().UTC()
	ws := l.WorkspacePath
	repo := gitsafety.IsRepo(ctx, ws)

	var snapID *string
	var headBefore string
	if repo {
		if s.net != nil {
			snap, err := s.net.Snapshot(ctx, ws, story.ConversationID, gitsafety.ReasonPreAgent)
			if err != nil {
				slog.Warn("pre-agent snapshot failed", "loop_id", l.ID, "story_id", story.ID, "err", err)
			} else {
				snapID = &snap.ID
				headBefore = snap.HeadSHA
			}
		}
		if headBefore == "" {
			headBefore, _ = gitsafety.HeadSHA(ctx, ws)
		}
	}

	ok, err := s.st.StartStoryAttempt(ctx, story.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Changed under us (reset, refresh or another loop); re-resolve.
		slog.Debug("story no longer pending", "loop_id", l.ID, "story_id", story.ID)
		return nil
	}
	iteration := l.Iteration + 1
	if err := s.st.UpdateLoopProgress(ctx, l.ID, &story.ID, iteration); err != nil {
		return err
	}
	attemptNo := story.Attempts + 1
	slog.Info("story attempt started", "loop_id", l.ID, "story_id", story.ID, "attempt", attemptNo)
	s.publish(r, models.LoopEvent{Type: models.EventStoryStarted, StoryID: story.ID, StoryTitle: story.Title, Attempt: attemptNo})

	out, err := s.runAgent(ctx, r, l, story, repo, headBefore)
	if err != nil {
		return err
	}
	if out.cancelled || ctx.Err() != nil {
		// Cancelled or shutting down; the story stays in_progress.
		return nil
	}

	entry := models.IterationLogEntry{
		LoopID:     l.ID,
		StoryID:    story.ID,
		StoryTitle: story.Title,
		Attempt:    attemptNo,
		SnapshotID: snapID,
		CommitSHA:  out.commitSHA,
		StartedAt:  started,
	}
	if out.sessionID != "" {
		entry.SessionID = &out.sessionID
	}

	var updated models.Story
	if out.learning == "" {
		if updated, err = s.st.CompleteStory(ctx, story.ID, out.commitSHA); err != nil {
			return err
		}
		entry.Outcome = models.OutcomeCompleted
		data := map[string]any{}
		if out.commitSHA != nil {
			data["commitSha"] = *out.commitSHA
			entry.Detail = "commit " + *out.commitSHA
		}
		s.publish(r, models.LoopEvent{Type: models.EventStoryCompleted, StoryID: story.ID, StoryTitle: story.Title, Attempt: attemptNo, Data: data})
	} else {
		if updated, err = s.st.FailStoryAttempt(ctx, story.ID, out.learning); err != nil {
			return err
		}
		willRetry := updated.Status == models.StoryPending
		entry.Outcome = models.OutcomeFailed
		if willRetry {
			entry.Outcome = models.OutcomeRetry
		}
		entry.Detail = out.learning
		s.publish(r, models.LoopEvent{
			Type: models.EventStoryFailed, StoryID: story.ID, StoryTitle: story.Title, Attempt: attemptNo,
			Message: out.learning, Data: map[string]any{"willRetry": willRetry},
		})
		if l.Config.RollbackOnFailure && snapID != nil {
			s.rollback(ctx, l, story, *snapID)
		}
	}
	entry.EndedAt = time.Now().UTC()
	if err := s.st.AppendIteration(ctx, &entry); err != nil {
		return err
	}
	otel.RecordStoryAttempt(ctx, entry.Outcome, entry.EndedAt.Sub(started))
	slog.Info("story attempt finished", "loop_id", l.ID, "story_id", story.ID, "attempt", attemptNo, "outcome", entry.Outcome)

	if s.journal != nil {
		je := progress.Entry{
			LoopID:     l.ID,
			StoryID:    story.ID,
			StoryTitle: story.Title,
			Attempt:    attemptNo,
			Outcome:    entry.Outcome,
			Detail:     entry.Detail,
			CreatedAt:  entry.EndedAt,
		}
		if out.commitSHA != nil {
			je.CommitSHA = *out.commitSHA
		}
		if err := s.journal.Append(ctx, ws, je); err != nil {
			slog.Warn("progress journal append failed", "workspace", ws, "err", err)
		}
	}

	if terminal := updated.Status; l.Config.SyncStatusBack && story.ExternalRef != nil && s.tracker != nil &&
		(terminal == models.StoryCompleted || terminal == models.StoryFailed) {
		if err := s.tracker.PushStatus(ctx, story.ID, terminal, evidence(entry)); err != nil {
			slog.Warn("tracker status push failed", "loop_id", l.ID, "story_id", story.ID, "err", err)
		}
	}
	return nil
}

func (s *Scheduler) rollback(ctx context.Context, l models.Loop, story models.Story, snapID string) {
	res, err := s.net.Restore(ctx, snapID)
	if err != nil {
		slog.Warn("rollback after failed attempt", "loop_id", l.ID, "story_id", story.ID, "snapshot_id", snapID, "conflict", res.Conflict, "err", err)
		return
	}
	slog.Info("rolled back failed attempt", "loop_id", l.ID, "story_id", story.ID, "head", res.HeadSHA)
}

// runAgent runs the session turn, the quality checks and the optional commit. The returned
// error is reserved for store failures.
func (s *Scheduler) runAgent(ctx context.Context, r *run, l models.Loop, story models.Story, repo bool, headBefore string) (outcome, error) {
	cfg := l.Config
	ws := l.WorkspacePath

	var tail string
	if s.journal != nil {
		var err error
		if tail, err = s.journal.Tail(ctx, ws, 0); err != nil {
			slog.Warn("progress journal read failed", "workspace", ws, "err", err)
		}
	}
	text := s.prompts.Build(prompt.Input{Story: story, Progress: tail, Budget: cfg.PromptTokenBudget})

	conv := ""
	if story.ConversationID != nil {
		conv = *story.ConversationID
	}
	sid, err := s.sessions.CreateSession(ctx, conv, session.Options{Model: cfg.Model, WorkspacePath: ws})
	if err != nil {
		return outcome{learning: clip(err.Error())}, nil
	}
	out := outcome{sessionID: sid}
	if info, err := s.sessions.Info(sid); err == nil {
		if err := s.st.BindStorySession(ctx, story.ID, sid, info.ConversationID); err != nil {
			return out, err
		}
	}
	r.setSession(sid)
	defer r.setSession("")

	actx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.AttemptTimeoutSec > 0 {
		actx, cancel = context.WithTimeout(ctx, time.Duration(cfg.AttemptTimeoutSec)*time.Second)
	}
	defer cancel()

	stream, err := s.sessions.SendMessage(actx, sid, text)
	if err != nil {
		out.learning = clip(err.Error())
		return out, nil
	}
	var agentErrors []string
	for {
		ev, err := stream.Next(actx)
		if err != nil {
			break
		}
		if ev.Type == runtime.EventError && ev.Text != "" {
			agentErrors = append(agentErrors, ev.Text)
		}
	}
	_, err = stream.Wait(actx)
	switch {
	case ctx.Err() != nil:
		out.cancelled = true
		return out, nil
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		_ = s.sessions.CancelGeneration(context.WithoutCancel(ctx), sid)
		out.learning = fmt.Sprintf("attempt timed out after %ds", cfg.AttemptTimeoutSec)
		return out, nil
	case err != nil:
		msg := err.Error()
		if len(agentErrors) > 0 {
			msg += ": " + strings.Join(agentErrors, "; ")
		}
		out.learning = clip(msg)
		return out, nil
	}

	for _, qc := range cfg.QualityChecks {
		if learning := runCheck(ctx, ws, qc); learning != "" {
			if ctx.Err() != nil {
				out.cancelled = true
				return out, nil
			}
			out.learning = learning
			return out, nil
		}
	}

	if !repo {
		return out, nil
	}
	if cfg.AutoCommit {
		if _, err := gitsafety.CommitAll(ctx, ws, "feat: "+story.Title); err != nil {
			slog.Warn("auto-commit failed", "loop_id", l.ID, "story_id", story.ID, "err", err)
		}
	}
	if head, err := gitsafety.HeadSHA(ctx, ws); err == nil && head != "" && head != headBefore {
		out.commitSHA = &head
	}
	return out, nil
}

// runCheck runs one quality check and returns a learning when it fails.
func runCheck(ctx context.Context, dir string, qc models.QualityCheck) string {
	name := qc.Name
	if name == "" {
		name = qc.Command
	}
	if err := sandbox.ScreenCommand(name, qc.Command); err != nil {
		return err.Error()
	}
	timeout := defaultCheckTimeout
	if qc.TimeoutSec > 0 {
		timeout = time.Duration(qc.TimeoutSec) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := gitsafety.RunShell(cctx, dir, qc.Command)
	if err == nil {
		return ""
	}
	msg := fmt.Sprintf("quality check %q failed: %v", name, err)
	if out = strings.TrimSpace(out); out != "" {
		msg += "\n" + out
	}
	return clip(msg)
}

func evidence(e models.IterationLogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attempt %d: %s", e.Attempt, e.Outcome)
	if e.CommitSHA != nil {
		fmt.Fprintf(&b, "\nCommit: %s", *e.CommitSHA)
	}
	if e.Detail != "" && e.Outcome != models.OutcomeCompleted {
		fmt.Fprintf(&b, "\n\n%s", e.Detail)
	}
	return b.String()
}

// clip keeps the tail of long messages; failures usually print the cause last.
func clip(s string) string {
	if len(s) <= maxLearningLen {
		return s
	}
	cut := len(s) - maxLearningLen
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
