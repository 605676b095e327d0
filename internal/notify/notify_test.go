package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/airgap/maude-sub003/pkg/models"
)

type recordNotifier struct {
	name string
	msgs []string
	err  error
}

func (r *recordNotifier) Name() string { return r.name }

func (r *recordNotifier) Notify(_ context.Context, m string) error {
	r.msgs = append(r.msgs, m)
	return r.err
}

func TestRegistry_RegisterGetReplace(t *testing.T) {
	reg := NewRegistry()
	c := SlackWebhook{WebhookURL: "https://example.com"}
	reg.Register(c)
	if got, ok := reg.Get("slack").(SlackWebhook); !ok || got.WebhookURL != c.WebhookURL {
		t.Fatalf("Get(slack): got %+v", reg.Get("slack"))
	}
	if reg.Get("nonexistent") != nil {
		t.Fatal("Get(nonexistent) should be nil")
	}
	reg.Replace(LogNotifier{})
	if names := reg.Names(); len(names) != 1 || names[0] != "log" {
		t.Fatalf("Names after Replace: %v", names)
	}
}

func TestRegistry_NotifyAll(t *testing.T) {
	ok := &recordNotifier{name: "ok"}
	bad := &recordNotifier{name: "bad", err: errors.New("boom")}
	reg := NewRegistry()
	reg.Register(ok)
	reg.Register(bad)

	err := reg.NotifyAll(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("NotifyAll err = %v", err)
	}
	if len(ok.msgs) != 1 || ok.msgs[0] != "hi" {
		t.Errorf("ok notifier got %v", ok.msgs)
	}
	var nilReg *Registry
	if err := nilReg.NotifyAll(context.Background(), "x"); err != nil {
		t.Errorf("nil registry: %v", err)
	}
}

func TestSlackWebhook_Notify_mockHTTP(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := SlackWebhook{WebhookURL: srv.URL, Channel: "#builds"}
	if err := c.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if payload["text"] != "hello" || payload["channel"] != "#builds" {
		t.Errorf("payload = %v", payload)
	}
}

func TestSlackWebhook_Notify_errors(t *testing.T) {
	if err := (SlackWebhook{}).Notify(context.Background(), "msg"); err == nil {
		t.Fatal("expected error when webhook URL empty")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	if err := (SlackWebhook{WebhookURL: srv.URL}).Notify(context.Background(), "msg"); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestLoopMessage(t *testing.T) {
	prd := "p1"
	msg := LoopMessage(models.Loop{ID: "l1", PRDID: &prd, WorkspacePath: "/ws", Iteration: 4}, "completed", "all stories done")
	want := "maude loop l1 completed after 4 iterations (prd p1 in /ws): all stories done"
	if msg != want {
		t.Errorf("LoopMessage = %q, want %q", msg, want)
	}
}
