package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airgap/maude-sub003/internal/agent/runtime"
	"github.com/airgap/maude-sub003/internal/agent/session"
	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/events"
	"github.com/airgap/maude-sub003/internal/gitsafety"
	"github.com/airgap/maude-sub003/internal/progress"
	"github.com/airgap/maude-sub003/internal/sandbox"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

type turnFunc func(ctx context.Context, req runtime.TurnRequest, emit func(runtime.Event)) (runtime.TurnResult, error)

type harness struct {
	st      store.Store
	bus     *events.Bus
	mux     *session.Multiplexer
	sched   *Scheduler
	journal *progress.Journal
	ws      string
	sub     *events.Subscription
	order   int
}

func newHarness(t *testing.T, fn turnFunc) *harness {
	return newHarnessWithStore(t, nil, fn)
}

func newHarnessWithStore(t *testing.T, wrap func(store.Store) store.Store, fn turnFunc) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	var used store.Store = st
	if wrap != nil {
		used = wrap(st)
	}
	bus := events.NewBus(models.DefaultEventBuffer)
	mux := session.New(runtime.FuncRuntime{ID: "test", Fn: fn}, session.Config{})
	journal := progress.New(t.TempDir())
	h := &harness{
		st:      st,
		bus:     bus,
		mux:     mux,
		journal: journal,
		ws:      t.TempDir(),
		sub:     bus.Subscribe(""),
		sched: New(Options{
			Store:     used,
			Sessions:  mux,
			Bus:       bus,
			SafetyNet: gitsafety.New(used),
			Journal:   journal,
		}),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sched.Shutdown(ctx)
		mux.Shutdown(ctx)
		h.sub.Unsubscribe()
		_ = st.Close()
	})
	return h
}

func (h *harness) addStory(t *testing.T, title string, deps ...models.Story) models.Story {
	t.Helper()
	h.order++
	s := models.Story{WorkspacePath: h.ws, Title: title, SortOrder: h.order}
	for _, d := range deps {
		s.DependsOn = append(s.DependsOn, models.Dependency{StoryID: d.ID})
	}
	require.NoError(t, h.st.CreateStory(context.Background(), &s))
	return s
}

func (h *harness) start(t *testing.T, cfg models.LoopConfig) models.Loop {
	t.Helper()
	l, err := h.sched.Start(context.Background(), models.StartLoopRequest{WorkspacePath: h.ws, Config: &cfg})
	require.NoError(t, err)
	return l
}

// waitDone collects the events of loopID up to and including loop_done.
func (h *harness) waitDone(t *testing.T, loopID string) []models.LoopEvent {
	t.Helper()
	var got []models.LoopEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.sub.C:
			require.True(t, ok, "subscription closed")
			if ev.LoopID != loopID {
				continue
			}
			got = append(got, ev)
			if ev.Type == models.EventLoopDone {
				return got
			}
		case <-timeout:
			t.Fatalf("loop %s did not finish; events so far: %v", loopID, types(got))
		}
	}
}

// waitEvent waits for the next event of loopID with the given type.
func (h *harness) waitEvent(t *testing.T, loopID, typ string) models.LoopEvent {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-h.sub.C:
			if ev.LoopID == loopID && ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event for loop %s", typ, loopID)
		}
	}
}

func (h *harness) story(t *testing.T, id string) models.Story {
	t.Helper()
	s, err := h.st.GetStory(context.Background(), id)
	require.NoError(t, err)
	return s
}

func types(evs []models.LoopEvent) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func storyTitle(prompt string) string {
	line, _, _ := strings.Cut(prompt, "\n")
	return strings.TrimPrefix(line, "# Story: ")
}

func succeed(context.Context, runtime.TurnRequest, func(runtime.Event)) (runtime.TurnResult, error) {
	return runtime.TurnResult{Output: "done"}, nil
}

func TestLoop_retriesUntilSuccessThenRunsDependent(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := map[string]int{}
	h := newHarness(t, func(ctx context.Context, req runtime.TurnRequest, emit func(runtime.Event)) (runtime.TurnResult, error) {
		title := storyTitle(req.Prompt)
		mu.Lock()
		calls[title]++
		n := calls[title]
		mu.Unlock()
		if title == "A" && n <= 2 {
			emit(runtime.Event{Type: runtime.EventError, Text: fmt.Sprintf("tests failed on try %d", n)})
			return runtime.TurnResult{}, fmt.Errorf("tests failed on try %d", n)
		}
		emit(runtime.Event{Type: runtime.EventText, Text: "implemented " + title})
		return runtime.TurnResult{Output: "ok"}, nil
	})
	a := h.addStory(t, "A")
	b := h.addStory(t, "B", a)

	l := h.start(t, models.LoopConfig{})
	evs := h.waitDone(t, l.ID)

	gotA := h.story(t, a.ID)
	assert.Equal(t, models.StoryCompleted, gotA.Status)
	assert.Equal(t, 3, gotA.Attempts)
	require.Len(t, gotA.Learnings, 2)
	assert.Contains(t, gotA.Learnings[0], "tests failed on try 1")
	assert.Contains(t, gotA.Learnings[1], "tests failed on try 2")
	gotB := h.story(t, b.ID)
	assert.Equal(t, models.StoryCompleted, gotB.Status)
	assert.Equal(t, 1, gotB.Attempts)

	full, err := h.sched.Get(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoopCompleted, full.Status)
	assert.Equal(t, 4, full.Iteration)
	require.Len(t, full.IterationLog, 4)
	var outcomes, ids []string
	for _, e := range full.IterationLog {
		outcomes = append(outcomes, e.Outcome)
		ids = append(ids, e.StoryID)
	}
	assert.Equal(t, []string{models.OutcomeRetry, models.OutcomeRetry, models.OutcomeCompleted, models.OutcomeCompleted}, outcomes)
	assert.Equal(t, []string{a.ID, a.ID, a.ID, b.ID}, ids)
	assert.Equal(t, []int{1, 2, 3, 1}, []int{full.IterationLog[0].Attempt, full.IterationLog[1].Attempt, full.IterationLog[2].Attempt, full.IterationLog[3].Attempt})

	assert.Equal(t, []string{
		models.EventStarted,
		models.EventStoryStarted, models.EventStoryFailed,
		models.EventStoryStarted, models.EventStoryFailed,
		models.EventStoryStarted, models.EventStoryCompleted,
		models.EventStoryStarted, models.EventStoryCompleted,
		models.EventCompleted, models.EventLoopDone,
	}, types(evs))
	assert.Equal(t, true, evs[2].Data["willRetry"])
	assert.Equal(t, "exhausted", evs[9].Data["reason"])

	tail, err := h.journal.Tail(context.Background(), h.ws, 0)
	require.NoError(t, err)
	assert.Contains(t, tail, "B")
}

func TestLoop_cancelKeepsStoryInProgress(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	h := newHarness(t, func(ctx context.Context, _ runtime.TurnRequest, _ func(runtime.Event)) (runtime.TurnResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return runtime.TurnResult{}, ctx.Err()
	})
	a := h.addStory(t, "A")
	l := h.start(t, models.LoopConfig{})
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("agent never started")
	}

	ctx := context.Background()
	require.NoError(t, h.sched.Cancel(ctx, l.ID))
	evs := h.waitDone(t, l.ID)
	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, []string{models.EventCancelled, models.EventLoopDone}, types(evs[len(evs)-2:]))

	// Wait for the loop goroutine to exit before checking nothing moved afterwards.
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Shutdown(sctx))

	stuck := h.story(t, a.ID)
	assert.Equal(t, models.StoryInProgress, stuck.Status)
	require.NotNil(t, stuck.AgentSessionID)
	info, err := h.mux.Info(*stuck.AgentSessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, info.Status)
	got, err := h.sched.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoopCancelled, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Empty(t, got.IterationLog)

	// A late subscriber sees the terminal event and loop_done only.
	var late []models.LoopEvent
	err = h.sched.Follow(ctx, l.ID, time.Hour, func(ev models.LoopEvent) error {
		late = append(late, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{models.EventCancelled, models.EventLoopDone}, types(late))

	assert.NoError(t, h.sched.Cancel(ctx, l.ID), "cancel is idempotent")
}

func TestLoop_pauseFinishesAttemptThenResumeContinues(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan string, 4)
	h := newHarness(t, func(ctx context.Context, req runtime.TurnRequest, _ func(runtime.Event)) (runtime.TurnResult, error) {
		started <- storyTitle(req.Prompt)
		select {
		case <-release:
			return runtime.TurnResult{Output: "ok"}, nil
		case <-ctx.Done():
			return runtime.TurnResult{}, ctx.Err()
		}
	})
	a := h.addStory(t, "A")
	b := h.addStory(t, "B")
	l := h.start(t, models.LoopConfig{})
	ctx := context.Background()

	assert.Equal(t, "A", <-started)
	require.NoError(t, h.sched.Pause(ctx, l.ID))
	close(release)
	ev := h.waitEvent(t, l.ID, models.EventStoryCompleted)
	assert.Equal(t, a.ID, ev.StoryID)

	require.Eventually(t, func() bool {
		h.sched.mu.Lock()
		defer h.sched.mu.Unlock()
		_, alive := h.sched.runs[l.ID]
		return !alive
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StoryPending, h.story(t, b.ID).Status)
	assert.Empty(t, started)

	err := h.sched.Pause(ctx, l.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	require.NoError(t, h.sched.Resume(ctx, l.ID))
	h.waitDone(t, l.ID)
	assert.Equal(t, "B", <-started)
	assert.Equal(t, models.StoryCompleted, h.story(t, b.ID).Status)

	log, err := h.sched.Log(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, a.ID, log[0].StoryID)
	assert.Equal(t, b.ID, log[1].StoryID)
}

func TestStart_validationAndScopeConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(ctx context.Context, _ runtime.TurnRequest, _ func(runtime.Event)) (runtime.TurnResult, error) {
		<-ctx.Done()
		return runtime.TurnResult{}, ctx.Err()
	})
	ctx := context.Background()
	_, err := h.sched.Start(ctx, models.StartLoopRequest{Config: &models.LoopConfig{}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.sched.Start(ctx, models.StartLoopRequest{WorkspacePath: h.ws})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	h.addStory(t, "A")
	l := h.start(t, models.LoopConfig{})
	_, err = h.sched.Start(ctx, models.StartLoopRequest{WorkspacePath: h.ws, Config: &models.LoopConfig{}})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	prd := "other"
	other, err := h.sched.Start(ctx, models.StartLoopRequest{PRDID: &prd, WorkspacePath: h.ws, Config: &models.LoopConfig{}})
	require.NoError(t, err, "another scope in the same workspace is independent")
	h.waitDone(t, other.ID)

	require.NoError(t, h.sched.Cancel(ctx, l.ID))
	assert.ErrorIs(t, h.sched.Cancel(ctx, other.ID), apperr.ErrConflict)
	assert.ErrorIs(t, h.sched.Pause(ctx, "missing"), apperr.ErrNotFound)
	_, err = h.sched.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStart_guardRefusesWorkspace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed)
	home := t.TempDir()
	h.sched.guard = &sandbox.WorkspaceGuard{Home: home}
	ctx := context.Background()
	for _, ws := range []string{"relative/path", home, filepath.Join(home, "protected"), filepath.Join(h.ws, "missing")} {
		_, err := h.sched.Start(ctx, models.StartLoopRequest{WorkspacePath: ws, Config: &models.LoopConfig{}})
		assert.ErrorIs(t, err, apperr.ErrValidation, ws)
	}
	l, err := h.sched.Start(ctx, models.StartLoopRequest{WorkspacePath: h.ws + "/", Config: &models.LoopConfig{}})
	require.NoError(t, err)
	assert.Equal(t, h.ws, l.WorkspacePath)
	h.waitDone(t, l.ID)
}

func TestLoop_blockedBacklogCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed)
	s := models.Story{WorkspacePath: h.ws, Title: "orphan", DependsOn: []models.Dependency{{StoryID: "gone"}}}
	require.NoError(t, h.st.CreateStory(context.Background(), &s))

	l := h.start(t, models.LoopConfig{})
	evs := h.waitDone(t, l.ID)
	require.Len(t, evs, 3)
	assert.Equal(t, models.EventCompleted, evs[1].Type)
	assert.Equal(t, "blocked", evs[1].Data["reason"])
	assert.Equal(t, models.StoryPending, h.story(t, s.ID).Status)
}

func TestLoop_qualityCheckFailureExhaustsAttempts(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	h := newHarness(t, succeed)
	s := models.Story{WorkspacePath: h.ws, Title: "lint me", MaxAttempts: 2}
	require.NoError(t, h.st.CreateStory(context.Background(), &s))

	l := h.start(t, models.LoopConfig{QualityChecks: []models.QualityCheck{{Name: "lint", Command: "echo lint broke; exit 3"}}})
	evs := h.waitDone(t, l.ID)

	got := h.story(t, s.ID)
	assert.Equal(t, models.StoryFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.Len(t, got.Learnings, 2)
	assert.Contains(t, got.Learnings[0], `quality check "lint" failed`)
	assert.Contains(t, got.Learnings[0], "lint broke")

	var willRetry []any
	for _, ev := range evs {
		if ev.Type == models.EventStoryFailed {
			willRetry = append(willRetry, ev.Data["willRetry"])
		}
	}
	assert.Equal(t, []any{true, false}, willRetry)

	log, err := h.sched.Log(context.Background(), l.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, models.OutcomeFailed, log[1].Outcome)
}

func TestLoop_blockedQualityCheckCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed)
	s := models.Story{WorkspacePath: h.ws, Title: "danger", MaxAttempts: 1}
	require.NoError(t, h.st.CreateStory(context.Background(), &s))

	l := h.start(t, models.LoopConfig{QualityChecks: []models.QualityCheck{{Name: "wipe", Command: "git push --force"}}})
	h.waitDone(t, l.ID)
	got := h.story(t, s.ID)
	assert.Equal(t, models.StoryFailed, got.Status)
	require.Len(t, got.Learnings, 1)
	assert.Contains(t, got.Learnings[0], "not allowed")
}

func TestLoop_maxIterations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed)
	a := h.addStory(t, "A")
	b := h.addStory(t, "B")
	l := h.start(t, models.LoopConfig{MaxIterations: 1})
	evs := h.waitDone(t, l.ID)
	assert.Equal(t, reasonMaxIterations, evs[len(evs)-2].Data["reason"])
	assert.Equal(t, models.StoryCompleted, h.story(t, a.ID).Status)
	assert.Equal(t, models.StoryPending, h.story(t, b.ID).Status)
}

func TestResume_reentersCompletedLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed)
	ctx := context.Background()
	l := h.start(t, models.LoopConfig{})
	h.waitDone(t, l.ID)

	late := h.addStory(t, "late")
	require.NoError(t, h.sched.Resume(ctx, l.ID))
	h.waitDone(t, l.ID)
	assert.Equal(t, models.StoryCompleted, h.story(t, late.ID).Status)

	got, err := h.sched.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoopCompleted, got.Status)
	require.Len(t, got.IterationLog, 1)
}

func TestResume_conflictsWithActiveLoopOnScope(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(ctx context.Context, _ runtime.TurnRequest, _ func(runtime.Event)) (runtime.TurnResult, error) {
		<-ctx.Done()
		return runtime.TurnResult{}, ctx.Err()
	})
	ctx := context.Background()
	first := h.start(t, models.LoopConfig{})
	h.waitDone(t, first.ID)

	h.addStory(t, "busy")
	second := h.start(t, models.LoopConfig{})
	h.waitEvent(t, second.ID, models.EventStoryStarted)
	assert.ErrorIs(t, h.sched.Resume(ctx, first.ID), apperr.ErrConflict)
	assert.ErrorIs(t, h.sched.Resume(ctx, second.ID), apperr.ErrConflict)
	require.NoError(t, h.sched.Cancel(ctx, second.ID))
}

func TestResetFailed_restartStartsFreshLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed)
	ctx := context.Background()
	s := models.Story{WorkspacePath: h.ws, Title: "flaky", MaxAttempts: 1}
	require.NoError(t, h.st.CreateStory(ctx, &s))
	ok, err := h.st.StartStoryAttempt(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	failed, err := h.st.FailStoryAttempt(ctx, s.ID, "boom")
	require.NoError(t, err)
	require.Equal(t, models.StoryFailed, failed.Status)

	_, err = h.sched.ResetFailed(ctx, models.ResetFailedRequest{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	res, err := h.sched.ResetFailed(ctx, models.ResetFailedRequest{WorkspacePath: h.ws, Restart: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reset)
	require.NotEmpty(t, res.LoopID)
	h.waitDone(t, res.LoopID)

	got := h.story(t, s.ID)
	assert.Equal(t, models.StoryCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.Learnings)
}

func TestResetStory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed)
	ctx := context.Background()
	s := h.addStory(t, "A")
	ok, err := h.st.StartStoryAttempt(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.st.FailStoryAttempt(ctx, s.ID, "first try")
	require.NoError(t, err)

	got, err := h.sched.ResetStory(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.Learnings)
	_, err = h.sched.ResetStory(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecover_foldsInterruptedAttemptAndResumes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed)
	ctx := context.Background()
	s := h.addStory(t, "A")
	ok, err := h.st.StartStoryAttempt(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	l := models.Loop{WorkspacePath: h.ws, Status: models.LoopRunning}
	require.NoError(t, h.st.CreateLoop(ctx, &l))
	require.NoError(t, h.st.UpdateLoopProgress(ctx, l.ID, &s.ID, 1))

	require.NoError(t, h.sched.Recover(ctx))
	h.waitDone(t, l.ID)

	got := h.story(t, s.ID)
	assert.Equal(t, models.StoryCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, []string{LearningInterrupted}, got.Learnings)
}

type failingStore struct {
	store.Store
}

func (failingStore) AppendIteration(context.Context, *models.IterationLogEntry) error {
	return errors.New("disk full")
}

func TestLoop_storeErrorFailsLoop(t *testing.T) {
	t.Parallel()
	h := newHarnessWithStore(t, func(st store.Store) store.Store { return failingStore{st} }, succeed)
	h.addStory(t, "A")
	l := h.start(t, models.LoopConfig{})
	evs := h.waitDone(t, l.ID)
	failed := evs[len(evs)-2]
	assert.Equal(t, models.EventFailed, failed.Type)
	assert.Contains(t, failed.Message, "disk full")

	got, err := h.st.GetLoop(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoopFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "disk full")
}

func gitInit(t *testing.T, dir string) {
	t.Helper()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
		{"commit", "-q", "--allow-empty", "-m", "init"},
	} {
		out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
		require.NoError(t, err, string(out))
	}
}

func TestLoop_autoCommitRecordsCommitSHA(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	h := newHarness(t, func(_ context.Context, req runtime.TurnRequest, _ func(runtime.Event)) (runtime.TurnResult, error) {
		err := os.WriteFile(filepath.Join(req.WorkspacePath, "feature.txt"), []byte("done\n"), 0o644)
		return runtime.TurnResult{Output: "wrote feature.txt"}, err
	})
	gitInit(t, h.ws)
	ctx := context.Background()
	before, err := gitsafety.HeadSHA(ctx, h.ws)
	require.NoError(t, err)

	s := h.addStory(t, "Add feature")
	l := h.start(t, models.LoopConfig{AutoCommit: true})
	evs := h.waitDone(t, l.ID)

	got := h.story(t, s.ID)
	require.NotNil(t, got.CommitSHA)
	assert.NotEqual(t, before, *got.CommitSHA)
	head, err := gitsafety.HeadSHA(ctx, h.ws)
	require.NoError(t, err)
	assert.Equal(t, head, *got.CommitSHA)
	msg, err := exec.Command("git", "-C", h.ws, "log", "-1", "--format=%s").Output()
	require.NoError(t, err)
	assert.Equal(t, "feat: Add feature", strings.TrimSpace(string(msg)))

	for _, ev := range evs {
		if ev.Type == models.EventStoryCompleted {
			assert.Equal(t, head, ev.Data["commitSha"])
		}
	}
	log, err := h.sched.Log(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.NotNil(t, log[0].SnapshotID, "pre-agent snapshot recorded")
	snaps, err := h.st.ListSnapshots(ctx, h.ws, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, gitsafety.ReasonPreAgent, snaps[0].Reason)
}

func TestLoop_rollbackOnFailureRestoresTree(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	h := newHarness(t, func(_ context.Context, req runtime.TurnRequest, _ func(runtime.Event)) (runtime.TurnResult, error) {
		path := filepath.Join(req.WorkspacePath, "tracked.txt")
		if err := os.WriteFile(path, []byte("broken\n"), 0o644); err != nil {
			return runtime.TurnResult{}, err
		}
		return runtime.TurnResult{}, errors.New("agent gave up")
	})
	gitInit(t, h.ws)
	path := filepath.Join(h.ws, "tracked.txt")
	require.NoError(t, os.WriteFile(path, []byte("original\n"), 0o644))
	out, err := exec.Command("git", "-C", h.ws, "add", "tracked.txt").CombinedOutput()
	require.NoError(t, err, string(out))
	out, err = exec.Command("git", "-C", h.ws, "commit", "-q", "-m", "track").CombinedOutput()
	require.NoError(t, err, string(out))

	s := models.Story{WorkspacePath: h.ws, Title: "fragile", MaxAttempts: 1}
	require.NoError(t, h.st.CreateStory(context.Background(), &s))
	l := h.start(t, models.LoopConfig{RollbackOnFailure: true})
	h.waitDone(t, l.ID)

	assert.Equal(t, models.StoryFailed, h.story(t, s.ID).Status)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
}

func TestFollow_relaysUntilDone(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ runtime.TurnRequest, _ func(runtime.Event)) (runtime.TurnResult, error) {
		select {
		case <-release:
			return runtime.TurnResult{}, nil
		case <-ctx.Done():
			return runtime.TurnResult{}, ctx.Err()
		}
	})
	h.addStory(t, "A")
	l := h.start(t, models.LoopConfig{})
	h.waitEvent(t, l.ID, models.EventStoryStarted)

	got := make(chan []string, 1)
	go func() {
		var seen []string
		_ = h.sched.Follow(context.Background(), l.ID, time.Hour, func(ev models.LoopEvent) error {
			seen = append(seen, ev.Type)
			return nil
		})
		got <- seen
	}()
	require.Eventually(t, func() bool { return h.bus.Subscribers(l.ID) == 1 }, 5*time.Second, 5*time.Millisecond)
	close(release)

	select {
	case seen := <-got:
		assert.Equal(t, []string{models.EventStoryCompleted, models.EventCompleted, models.EventLoopDone}, seen)
	case <-time.After(10 * time.Second):
		t.Fatal("Follow did not return after loop_done")
	}
	_, err := h.sched.Log(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFollow_endsWhenLoopDoneWasDropped(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ runtime.TurnRequest, _ func(runtime.Event)) (runtime.TurnResult, error) {
		select {
		case <-release:
			return runtime.TurnResult{}, nil
		case <-ctx.Done():
			return runtime.TurnResult{}, ctx.Err()
		}
	})
	h.addStory(t, "A")
	l := h.start(t, models.LoopConfig{})
	h.waitEvent(t, l.ID, models.EventStoryStarted)

	stalled := make(chan struct{})
	resume := make(chan struct{})
	got := make(chan []string, 1)
	go func() {
		var seen []string
		_ = h.sched.Follow(context.Background(), l.ID, 20*time.Millisecond, func(ev models.LoopEvent) error {
			if len(seen) == 0 {
				close(stalled)
				<-resume
			}
			seen = append(seen, ev.Type)
			return nil
		})
		got <- seen
	}()
	<-stalled

	// Fill the follower's buffer so the loop's closing events are dropped.
	for i := 0; i < models.DefaultEventBuffer+10; i++ {
		h.bus.Publish(models.LoopEvent{Type: models.EventStoryStarted, LoopID: l.ID})
	}
	close(release)
	require.Eventually(t, func() bool {
		cur, err := h.sched.Get(context.Background(), l.ID)
		return err == nil && cur.Status == models.LoopCompleted
	}, 10*time.Second, 10*time.Millisecond)
	close(resume)

	select {
	case seen := <-got:
		require.GreaterOrEqual(t, len(seen), 2)
		assert.Equal(t, []string{models.EventCompleted, models.EventLoopDone}, seen[len(seen)-2:])
	case <-time.After(10 * time.Second):
		t.Fatal("Follow kept running after the loop ended")
	}
}

func TestClip_keepsTailOnRuneBoundary(t *testing.T) {
	t.Parallel()
	short := "exit status 1"
	assert.Equal(t, short, clip(short))

	// "€" is three bytes, so a cut maxLearningLen bytes from the end lands inside one.
	long := strings.Repeat("€", maxLearningLen)
	got := clip(long)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.LessOrEqual(t, len(got), maxLearningLen+len("..."))
	assert.True(t, strings.HasSuffix(long, strings.TrimPrefix(got, "...")))
}
