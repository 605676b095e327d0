package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

func openOrSkip(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpen_skipIfNoDatabaseURL(t *testing.T) {
	st := openOrSkip(t)
	loops, err := st.ListLoops(context.Background(), "")
	if err != nil {
		t.Fatalf("ListLoops: %v", err)
	}
	if loops == nil {
		t.Fatal("loops should not be nil")
	}
}

func TestStoryAttemptsAndLoopScope(t *testing.T) {
	st := openOrSkip(t)
	ctx := context.Background()
	ws := "/pg-test/" + store.NewID()

	s := &models.Story{WorkspacePath: ws, Title: "pg story", MaxAttempts: 2}
	if err := st.CreateStory(ctx, s); err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	if ok, err := st.StartStoryAttempt(ctx, s.ID); err != nil || !ok {
		t.Fatalf("StartStoryAttempt: ok=%v err=%v", ok, err)
	}
	got, err := st.FailStoryAttempt(ctx, s.ID, "first")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StoryPending || got.Attempts != 1 || len(got.Learnings) != 1 {
		t.Fatalf("after failure: %+v", got)
	}

	l := &models.Loop{WorkspacePath: ws}
	if err := st.CreateLoop(ctx, l); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateLoop(ctx, &models.Loop{WorkspacePath: ws}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ok, _ := st.TransitionLoop(ctx, l.ID, []string{models.LoopRunning}, models.LoopCompleted, nil); !ok {
		t.Fatal("complete loop")
	}
	if err := st.DeleteStory(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMigrations(t *testing.T) {
	t.Parallel()
	migs, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migs) == 0 || migs[0].version != 1 {
		t.Fatalf("migrations: %+v", migs)
	}
	for i := 1; i < len(migs); i++ {
		if migs[i].version <= migs[i-1].version {
			t.Fatalf("migrations out of order: %s after %s", migs[i].name, migs[i-1].name)
		}
	}
}

func TestMigrate_idempotent(t *testing.T) {
	st := openOrSkip(t)
	if err := st.(*Store).Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
