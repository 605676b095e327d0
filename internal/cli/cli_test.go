package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/pkg/models"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "doctor", "config", "loop", "story", "snapshot", "sync", "prd", "apikey", "daemon"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	for _, name := range []string{"home", "server", "json"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Fatalf("expected --%s persistent flag", name)
		}
	}
}

// run executes the root command against home and returns stdout.
func run(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--home", home}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestApikeyGenerate(t *testing.T) {
	out, err := run(t, t.TempDir(), "apikey", "generate")
	if err != nil {
		t.Fatalf("apikey generate: %v", err)
	}
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	if !strings.Contains(out, "MAUDE_API_KEY") {
		t.Errorf("output should mention MAUDE_API_KEY")
	}
	if !strings.Contains(out, "X-API-Key") {
		t.Errorf("output should mention X-API-Key")
	}
}

func TestParseChecks(t *testing.T) {
	got, err := parseChecks([]string{"test=go test ./...", "make lint"})
	if err != nil {
		t.Fatalf("parseChecks: %v", err)
	}
	if len(got) != 2 || got[0].Name != "test" || got[0].Command != "go test ./..." || got[1].Name != "make" || got[1].Command != "make lint" {
		t.Fatalf("parseChecks: %+v", got)
	}
	if _, err := parseChecks([]string{"name="}); err == nil {
		t.Fatal("empty command: expected error")
	}
}

func TestStatus_notRunning(t *testing.T) {
	out, err := run(t, t.TempDir(), "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "not running") {
		t.Fatalf("status output: %q", out)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	home := t.TempDir()
	if _, err := run(t, home, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := run(t, home, "config", "init"); err == nil {
		t.Fatal("second init without --force: expected error")
	}

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Trackers = map[string]config.TrackerConfig{"jira": {Token: "secret-token"}}
	if err := config.Save(home, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := run(t, home, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "secret-token") || !strings.Contains(out, redacted) {
		t.Fatalf("token not redacted:\n%s", out)
	}
	if !strings.Contains(out, "port: 3548") {
		t.Fatalf("config show missing port:\n%s", out)
	}
}

func TestPRDValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "backlog.yaml")
	if err := os.WriteFile(good, []byte("id: p1\ntitle: P\nstories:\n  - key: a\n    title: A\n  - key: b\n    title: B\n    depends_on: [a]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, dir, "prd", "validate", good)
	if err != nil || !strings.Contains(out, "ok: 2 stories") {
		t.Fatalf("validate: %q %v", out, err)
	}

	bad := filepath.Join(dir, "cycle.json")
	if err := os.WriteFile(bad, []byte(`{"id":"p","title":"P","stories":[{"key":"a","title":"A","dependsOn":["b"]},{"key":"b","title":"B","dependsOn":["a"]}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, dir, "prd", "validate", bad); err == nil {
		t.Fatal("cyclic backlog: expected error")
	}
}

func TestLoopList_againstServer(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loops" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]models.Loop{{
			ID: "loop-1", Status: models.LoopRunning, Iteration: 3, Scope: "/ws", StartedAt: time.Now(),
		}})
	}))
	defer srv.Close()

	out, err := run(t, t.TempDir(), "--server", srv.URL, "loop", "list", "--status", "running")
	if err != nil {
		t.Fatalf("loop list: %v", err)
	}
	if gotQuery != "status=running" {
		t.Fatalf("query: %q", gotQuery)
	}
	if !strings.Contains(out, "loop-1") || !strings.Contains(out, "running") || !strings.HasPrefix(out, "ID") {
		t.Fatalf("loop list output:\n%s", out)
	}
}

func TestStoryAdd_sendsBody(t *testing.T) {
	var got models.Story
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/stories" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		got.ID = "s-1"
		got.SortOrder = 4
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(got)
	}))
	defer srv.Close()

	ws := t.TempDir()
	out, err := run(t, t.TempDir(), "--server", srv.URL, "story", "add",
		"--workspace", ws, "--title", "Add login", "--priority", "high",
		"--criterion", "form renders", "--criterion", "errors shown", "--depends-on", "s-0")
	if err != nil {
		t.Fatalf("story add: %v", err)
	}
	if got.WorkspacePath != ws || got.Title != "Add login" || got.Priority != "high" ||
		len(got.AcceptanceCriteria) != 2 || len(got.DependsOn) != 1 || got.DependsOn[0].StoryID != "s-0" {
		t.Fatalf("request body: %+v", got)
	}
	if !strings.Contains(out, "Added story s-1 (order 4)") {
		t.Fatalf("output: %q", out)
	}

	if _, err := run(t, t.TempDir(), "--server", srv.URL, "story", "add", "--workspace", ws); err == nil {
		t.Fatal("missing title: expected error")
	}
}

func TestLoopWatch_printsEventsAndFailsOnFailedLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []models.LoopEvent{
			{Type: models.EventStoryStarted, LoopID: "l1", StoryTitle: "A", Attempt: 1},
			{Type: models.EventHeartbeat, LoopID: "l1"},
			{Type: models.EventFailed, LoopID: "l1", Message: "store down"},
			{Type: models.EventLoopDone, LoopID: "l1", Data: map[string]any{"status": models.LoopFailed}},
		} {
			b, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
		}
	}))
	defer srv.Close()

	out, err := run(t, t.TempDir(), "--server", srv.URL, "loop", "watch", "l1")
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("watch: expected failure error, got %v", err)
	}
	if !strings.Contains(out, `story_started "A" attempt 1`) || !strings.Contains(out, "failed: store down") {
		t.Fatalf("watch output:\n%s", out)
	}
	if strings.Contains(out, "heartbeat") {
		t.Fatalf("heartbeats should be hidden:\n%s", out)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("# comment\nexport MAUDE_TEST_A=\"one\"\nMAUDE_TEST_B=two\nnot a pair\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAUDE_TEST_A", "")
	t.Setenv("MAUDE_TEST_B", "")
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if os.Getenv("MAUDE_TEST_A") != "one" || os.Getenv("MAUDE_TEST_B") != "two" {
		t.Fatalf("env: %q %q", os.Getenv("MAUDE_TEST_A"), os.Getenv("MAUDE_TEST_B"))
	}
}

func TestApikeyGenerate_save(t *testing.T) {
	home := t.TempDir()
	if _, err := run(t, home, "apikey", "generate", "--save"); err != nil {
		t.Fatalf("apikey generate --save: %v", err)
	}
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Server.APIKey) != 64 {
		t.Fatalf("api key not saved: %q", cfg.Server.APIKey)
	}
}
