// Package loop runs backlog loops: one goroutine per loop picks the next eligible story, hands
// it to an agent session and records the outcome until the backlog is exhausted or blocked.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/airgap/maude-sub003/internal/agent/session"
	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/events"
	"github.com/airgap/maude-sub003/internal/gitsafety"
	"github.com/airgap/maude-sub003/internal/notify"
	"github.com/airgap/maude-sub003/internal/otel"
	"github.com/airgap/maude-sub003/internal/progress"
	"github.com/airgap/maude-sub003/internal/prompt"
	"github.com/airgap/maude-sub003/internal/sandbox"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/internal/tracker"
	"github.com/airgap/maude-sub003/pkg/models"
)

// LearningInterrupted is recorded on a story whose attempt was cut short by a daemon restart.
const LearningInterrupted = "attempt interrupted by orchestrator restart"

// Options wires a Scheduler. Store, Sessions and Bus are required; the rest may be nil.
type Options struct {
	Store     store.Store
	Sessions  *session.Multiplexer
	Bus       *events.Bus
	SafetyNet *gitsafety.SafetyNet
	Prompts   *prompt.Builder
	Journal   *progress.Journal
	Notifier  *notify.Registry
	Tracker   *tracker.Reconciler
	// Guard, when set, refuses workspaces that are missing or overlap the home directory.
	Guard *sandbox.WorkspaceGuard
	// Defaults fill the zero fields of a loop's config at start.
	Defaults models.LoopConfig
}

// Scheduler owns every loop goroutine of the process.
type Scheduler struct {
	st        store.Store
	sessions  *session.Multiplexer
	bus       *events.Bus
	net       *gitsafety.SafetyNet
	prompts   *prompt.Builder
	journal   *progress.Journal
	notifier  *notify.Registry
	tracker   *tracker.Reconciler
	guard     *sandbox.WorkspaceGuard
	defaults  models.LoopConfig
	baseCtx   context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	runs      map[string]*run
	notifyCtx func() (context.Context, context.CancelFunc)
}

// run is the in-memory handle of a loop goroutine.
type run struct {
	loopID string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	closed    bool // no more events may be published by the goroutine
	sessionID string
}

// New returns a Scheduler. Call Recover to pick up loops left running by a previous process.
func New(opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	prompts := opts.Prompts
	if prompts == nil {
		prompts = prompt.NewBuilder()
	}
	return &Scheduler{
		st:       opts.Store,
		sessions: opts.Sessions,
		bus:      opts.Bus,
		net:      opts.SafetyNet,
		prompts:  prompts,
		journal:  opts.Journal,
		notifier: opts.Notifier,
		tracker:  opts.Tracker,
		guard:    opts.Guard,
		defaults: opts.Defaults,
		baseCtx:  ctx,
		stop:     cancel,
		runs:     make(map[string]*run),
		notifyCtx: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 10*time.Second)
		},
	}
}

// Start persists a running loop for the scope and starts iterating it.
func (s *Scheduler) Start(ctx context.Context, req models.StartLoopRequest) (models.Loop, error) {
	if req.WorkspacePath == "" {
		return models.Loop{}, apperr.Validation("workspacePath is required")
	}
	if req.Config == nil {
		return models.Loop{}, apperr.Validation("config is required")
	}
	if s.guard != nil {
		clean, err := s.guard.Check(req.WorkspacePath)
		if err != nil {
			return models.Loop{}, apperr.Validation("%v", err)
		}
		req.WorkspacePath = clean
	}
	if req.PRDID != nil && *req.PRDID == "" {
		req.PRDID = nil
	}
	l := models.Loop{
		PRDID:         req.PRDID,
		WorkspacePath: req.WorkspacePath,
		Status:        models.LoopRunning,
		Config:        s.withDefaults(*req.Config),
	}
	if err := s.st.CreateLoop(ctx, &l); err != nil {
		return models.Loop{}, err
	}
	otel.RecordLoopTransition(ctx, models.LoopRunning)
	slog.Info("loop started", "loop_id", l.ID, "scope", l.Scope)
	s.bus.Publish(models.LoopEvent{Type: models.EventStarted, LoopID: l.ID, Data: map[string]any{"scope": l.Scope}})
	s.mu.Lock()
	s.launch(l.ID)
	s.mu.Unlock()
	return l, nil
}

func (s *Scheduler) withDefaults(c models.LoopConfig) models.LoopConfig {
	d := s.defaults
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.DelayBetweenMs == 0 {
		c.DelayBetweenMs = d.DelayBetweenMs
	}
	if c.AttemptTimeoutSec == 0 {
		c.AttemptTimeoutSec = d.AttemptTimeoutSec
	}
	if c.QualityChecks == nil {
		c.QualityChecks = d.QualityChecks
	}
	if c.PromptTokenBudget == 0 {
		c.PromptTokenBudget = d.PromptTokenBudget
	}
	return c
}

// launch starts the loop goroutine. Caller holds s.mu.
func (s *Scheduler) launch(loopID string) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &run{loopID: loopID, cancel: cancel, done: make(chan struct{})}
	s.runs[loopID] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		defer cancel()
		s.iterate(ctx, r)
	}()
}

// detach forgets r if it is still the registered run of its loop.
func (s *Scheduler) detach(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[r.loopID] == r {
		delete(s.runs, r.loopID)
	}
}

// Pause stops the loop at the next checkpoint. The in-flight attempt runs to completion.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	ok, err := s.st.TransitionLoop(ctx, id, []string{models.LoopRunning}, models.LoopPaused, nil)
	if err != nil {
		return err
	}
	if !ok {
		return s.notIn(ctx, id, models.LoopRunning)
	}
	otel.RecordLoopTransition(ctx, models.LoopPaused)
	slog.Info("loop paused", "loop_id", id)
	s.bus.Publish(models.LoopEvent{Type: models.EventPaused, LoopID: id})
	return nil
}

// Resume puts a paused loop back to running. Cancelled, failed and completed loops may be
// resumed too, as long as no other loop is active on their scope.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := []string{models.LoopPaused, models.LoopCancelled, models.LoopFailed, models.LoopCompleted}
	ok, err := s.st.TransitionLoop(ctx, id, from, models.LoopRunning, nil)
	if err != nil {
		return err
	}
	if !ok {
		return s.notIn(ctx, id, from...)
	}
	otel.RecordLoopTransition(ctx, models.LoopRunning)
	slog.Info("loop resumed", "loop_id", id)
	s.bus.Publish(models.LoopEvent{Type: models.EventResumed, LoopID: id})
	if _, alive := s.runs[id]; alive {
		// Paused while an attempt was in flight; the goroutine continues at its checkpoint.
		return nil
	}
	l, err := s.st.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	if l.CurrentStoryID != nil {
		if _, err := s.st.ReleaseStory(ctx, *l.CurrentStoryID); err != nil {
			return err
		}
	}
	s.launch(id)
	return nil
}

// Cancel stops the loop for good and interrupts its in-flight session. The interrupted story
// stays in_progress. Cancelling a cancelled loop is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	ok, err := s.st.TransitionLoop(ctx, id, []string{models.LoopRunning, models.LoopPaused}, models.LoopCancelled, nil)
	if err != nil {
		return err
	}
	if !ok {
		l, err := s.st.GetLoop(ctx, id)
		if err != nil {
			return err
		}
		if l.Status == models.LoopCancelled {
			return nil
		}
		return apperr.Conflict("loop %s is %s", id, l.Status)
	}

	s.mu.Lock()
	r := s.runs[id]
	delete(s.runs, id)
	s.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		r.closed = true
		sid := r.sessionID
		r.mu.Unlock()
		// Session first: its turn must end as cancelled, not error.
		if sid != "" && s.sessions != nil {
			if err := s.sessions.CancelGeneration(ctx, sid); err != nil {
				slog.Warn("cancel loop session failed", "loop_id", id, "session_id", sid, "err", err)
			}
		}
		r.cancel()
	}

	otel.RecordLoopTransition(ctx, models.LoopCancelled)
	slog.Info("loop cancelled", "loop_id", id)
	s.bus.Publish(models.LoopEvent{Type: models.EventCancelled, LoopID: id})
	s.bus.Publish(models.LoopEvent{Type: models.EventLoopDone, LoopID: id, Data: map[string]any{"status": models.LoopCancelled}})
	if l, err := s.st.GetLoop(ctx, id); err == nil {
		s.notifyTerminal(l, models.LoopCancelled, "")
	}
	return nil
}

func (s *Scheduler) notIn(ctx context.Context, id string, want ...string) error {
	l, err := s.st.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	if slices.Contains(want, l.Status) {
		// Lost a race with a concurrent transition.
		return apperr.Conflict("loop %s changed status concurrently", id)
	}
	return apperr.Conflict("loop %s is %s", id, l.Status)
}

// Get returns the loop with its iteration log.
func (s *Scheduler) Get(ctx context.Context, id string) (models.Loop, error) {
	l, err := s.st.GetLoop(ctx, id)
	if err != nil {
		return models.Loop{}, err
	}
	if l.IterationLog, err = s.st.ListIterations(ctx, id); err != nil {
		return models.Loop{}, err
	}
	return l, nil
}

// List returns loops, optionally filtered by status.
func (s *Scheduler) List(ctx context.Context, status string) ([]models.Loop, error) {
	return s.st.ListLoops(ctx, status)
}

// Log returns the iteration log of a loop.
func (s *Scheduler) Log(ctx context.Context, id string) ([]models.IterationLogEntry, error) {
	if _, err := s.st.GetLoop(ctx, id); err != nil {
		return nil, err
	}
	return s.st.ListIterations(ctx, id)
}

// ResetStory returns a story to pending with a fresh retry budget.
func (s *Scheduler) ResetStory(ctx context.Context, storyID string) (models.Story, error) {
	return s.st.ResetStory(ctx, storyID)
}

// ResetFailed resets every failed story of the scope and, with Restart, starts a new loop on it.
func (s *Scheduler) ResetFailed(ctx context.Context, req models.ResetFailedRequest) (models.ResetFailedResponse, error) {
	if req.WorkspacePath == "" {
		return models.ResetFailedResponse{}, apperr.Validation("workspacePath is required")
	}
	n, err := s.st.ResetFailedStories(ctx, store.Scope{PRDID: req.PRDID, WorkspacePath: req.WorkspacePath})
	if err != nil {
		return models.ResetFailedResponse{}, err
	}
	res := models.ResetFailedResponse{Reset: n}
	if !req.Restart {
		return res, nil
	}
	cfg := req.Config
	if cfg == nil {
		d := s.defaults
		cfg = &d
	}
	l, err := s.Start(ctx, models.StartLoopRequest{PRDID: req.PRDID, WorkspacePath: req.WorkspacePath, Config: cfg})
	if err != nil {
		return res, err
	}
	res.LoopID = l.ID
	return res, nil
}

// Recover resumes loops a previous process left running. A story caught in flight by the
// restart is counted as a failed attempt so its retry budget still applies.
func (s *Scheduler) Recover(ctx context.Context) error {
	var loops []models.Loop
	for _, status := range []string{models.LoopRunning, models.LoopPaused} {
		ls, err := s.st.ListLoops(ctx, status)
		if err != nil {
			return err
		}
		loops = append(loops, ls...)
	}
	for _, l := range loops {
		if l.CurrentStoryID != nil {
			st, err := s.st.GetStory(ctx, *l.CurrentStoryID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return err
			}
			if err == nil && st.Status == models.StoryInProgress {
				if _, err := s.st.FailStoryAttempt(ctx, st.ID, LearningInterrupted); err != nil {
					return err
				}
				slog.Info("interrupted attempt folded", "loop_id", l.ID, "story_id", st.ID)
			}
		}
		if l.Status != models.LoopRunning {
			continue
		}
		s.mu.Lock()
		if _, alive := s.runs[l.ID]; !alive {
			s.launch(l.ID)
			slog.Info("loop recovered", "loop_id", l.ID, "scope", l.Scope)
		}
		s.mu.Unlock()
	}
	return nil
}

// Shutdown stops every loop goroutine and waits for them to exit or ctx to end. Loops stay
// persisted as running so Recover picks them up on the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Follow emits the events of one loop until it is done. A loop already in a terminal state
// yields its terminal event and loop_done straight away.
func (s *Scheduler) Follow(ctx context.Context, loopID string, heartbeat time.Duration, emit func(models.LoopEvent) error) error {
	if _, err := s.st.GetLoop(ctx, loopID); err != nil {
		return err
	}
	sub := s.bus.Subscribe(loopID)
	defer sub.Unsubscribe()
	// Re-read after subscribing so a transition between the two reads is not missed.
	l, err := s.st.GetLoop(ctx, loopID)
	if err != nil {
		return err
	}
	if models.IsTerminalLoopStatus(l.Status) {
		for _, ev := range closingEvents(l) {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}
	// A slow client can lose loop_done to a full buffer, so each heartbeat re-reads the loop.
	ended := func(ctx context.Context) ([]models.LoopEvent, bool, error) {
		l, err := s.st.GetLoop(ctx, loopID)
		if err != nil {
			return nil, false, err
		}
		if !models.IsTerminalLoopStatus(l.Status) {
			return nil, false, nil
		}
		return closingEvents(l), true, nil
	}
	return events.Relay(ctx, sub, events.RelayOptions{Heartbeat: heartbeat, StopOnDone: true, Ended: ended}, emit)
}

// closingEvents are the terminal event and loop_done for a loop that has already ended.
func closingEvents(l models.Loop) []models.LoopEvent {
	now := time.Now().UTC()
	ev := models.LoopEvent{Type: terminalEvent(l.Status), LoopID: l.ID, Timestamp: now}
	if l.LastError != nil {
		ev.Message = *l.LastError
	}
	return []models.LoopEvent{ev, {Type: models.EventLoopDone, LoopID: l.ID, Data: map[string]any{"status": l.Status}, Timestamp: now}}
}

func terminalEvent(status string) string {
	switch status {
	case models.LoopCancelled:
		return models.EventCancelled
	case models.LoopFailed:
		return models.EventFailed
	default:
		return models.EventCompleted
	}
}

func (s *Scheduler) notifyTerminal(l models.Loop, status, detail string) {
	if s.notifier == nil {
		return
	}
	msg := notify.LoopMessage(l, status, detail)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.notifyCtx()
		defer cancel()
		if err := s.notifier.NotifyAll(ctx, msg); err != nil {
			slog.Warn("loop notification failed", "loop_id", l.ID, "err", err)
		}
	}()
}
