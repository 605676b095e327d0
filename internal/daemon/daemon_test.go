package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartForeground_servesAndRecovers(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ws := t.TempDir()

	// A loop left running by a crashed process, with its story mid-attempt.
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	ctx := context.Background()
	s := models.Story{WorkspacePath: ws, Title: "interrupted"}
	if err := st.CreateStory(ctx, &s); err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	if ok, err := st.StartStoryAttempt(ctx, s.ID); err != nil || !ok {
		t.Fatalf("StartStoryAttempt: %v %v", ok, err)
	}
	l := models.Loop{WorkspacePath: ws, Status: models.LoopRunning, CurrentStoryID: &s.ID}
	if err := st.CreateLoop(ctx, &l); err != nil {
		t.Fatalf("CreateLoop: %v", err)
	}
	_ = st.Close()

	port := freePort(t)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- StartForeground(runCtx, StartOptions{Home: home, Port: port, Runtime: "stub"}) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	var loop models.Loop
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("loop %s never completed after recovery: %+v", l.ID, loop)
		}
		resp, err := http.Get(base + "/loops/" + l.ID)
		if err == nil {
			_ = json.NewDecoder(resp.Body).Decode(&loop)
			_ = resp.Body.Close()
			if loop.Status == models.LoopCompleted {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	st2, _ := Status(ctx, home)
	if !st2.Running || st2.PID != os.Getpid() || !strings.HasSuffix(st2.Addr, fmt.Sprint(port)) {
		t.Fatalf("Status while serving: %+v", st2)
	}
	if got := BaseURL(home); got != base {
		t.Fatalf("BaseURL: %q want %q", got, base)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartForeground returned %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("daemon did not stop")
	}

	st, err = store.Open(home)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st.Close() }()
	got, err := st.GetStory(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetStory: %v", err)
	}
	// One interrupted attempt plus the successful one.
	if got.Status != models.StoryCompleted || got.Attempts != 2 || len(got.Learnings) != 1 {
		t.Fatalf("recovered story: %+v", got)
	}
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err=%v", err)
	}
}

func TestStatus_notRunning(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	st, err := Status(context.Background(), home)
	if err != nil || st.Running {
		t.Fatalf("Status: %+v %v", st, err)
	}
	// Stale pid file is ignored.
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pidPath(home), []byte("notapid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if st, _ := Status(context.Background(), home); st.Running {
		t.Fatal("garbage pid reported running")
	}
	if stopped, err := Stop(context.Background(), home); err != nil || stopped {
		t.Fatalf("Stop: %v %v", stopped, err)
	}
	if got := BaseURL(home); got != fmt.Sprintf("http://127.0.0.1:%d", models.DefaultPort) {
		t.Fatalf("BaseURL default: %q", got)
	}
}

func TestStartOptions_applyAndArgs(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	opts := StartOptions{Home: "/h", Port: 9000, Dev: true, Runtime: "api", DBDriver: "postgres", DBURL: "postgres://x", Otel: true}
	opts.apply(cfg)
	if cfg.Server.Port != 9000 || !cfg.Server.Dev || !cfg.Server.Otel || cfg.Agent.Runtime != "api" ||
		cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://x" {
		t.Fatalf("apply: %+v", cfg)
	}
	args := strings.Join(opts.args(), " ")
	want := "daemon --home /h --port 9000 --dev --runtime api --db-driver postgres --otel"
	if args != want {
		t.Fatalf("args: %q\nwant %q", args, want)
	}
	if strings.Contains(args, "postgres://") {
		t.Fatal("DSN leaked into args")
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	ps, errs := buildProviders(map[string]config.TrackerConfig{
		"linear":  {Token: "lin"},
		"jira":    {Token: "j", Email: "me@example.com", BaseURL: "https://x.atlassian.net"},
		"github":  {},
		"unknown": {Token: "t"},
	})
	if len(ps) != 2 || ps[0].ID() != "jira" || ps[1].ID() != "linear" {
		t.Fatalf("providers: %v", ps)
	}
	if len(errs) != 2 {
		t.Fatalf("errors: %v", errs)
	}
}

func TestBuildRuntimeAndNotifiers(t *testing.T) {
	t.Parallel()
	rt, err := buildRuntime(config.AgentConfig{Runtime: "stub"})
	if err != nil || rt.Name() != "stub" {
		t.Fatalf("stub runtime: %v %v", rt, err)
	}
	if _, err := buildRuntime(config.AgentConfig{Runtime: "subprocess"}); err == nil {
		t.Fatal("subprocess without command: expected error")
	}
	rt, err = buildRuntime(config.AgentConfig{Runtime: "api", Model: "claude-sonnet-4-5"})
	if err != nil || rt.Name() != "api" {
		t.Fatalf("api runtime: %v %v", rt, err)
	}

	ns := buildNotifiers(config.NotifyConfig{Slack: &config.SlackConfig{WebhookURL: "https://hooks.slack.com/x"}, Log: true})
	if len(ns) != 2 || ns[0].Name() != "slack" || ns[1].Name() != "log" {
		t.Fatalf("notifiers: %v", ns)
	}
}
