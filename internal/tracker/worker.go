package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/store"
)

// Worker periodically refreshes every linked story from its tracker.
type Worker struct {
	Reconciler *Reconciler
	// Interval between refresh rounds
	Interval time.Duration
}

const defaultRefreshInterval = 5 * time.Minute

// Run runs the refresh worker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) (refreshed, changed int) {
	r := w.Reconciler
	stories, err := r.Store.ListStories(ctx, store.StoryFilter{LinkedOnly: true})
	if err != nil {
		slog.Error("tracker worker list linked stories failed", "err", err)
		return 0, 0
	}
	for _, s := range stories {
		if ctx.Err() != nil {
			return refreshed, changed
		}
		ok, err := r.refreshOne(ctx, s)
		if err != nil {
			// Stories of providers that are not configured are skipped silently.
			if !errors.Is(err, apperr.ErrNotFound) {
				slog.Warn("tracker worker refresh failed", "story_id", s.ID, "provider", s.ExternalRef.Provider, "err", err)
			}
			continue
		}
		refreshed++
		if ok {
			changed++
		}
	}
	if refreshed > 0 {
		slog.Info("tracker worker refreshed stories", "refreshed", refreshed, "status_changed", changed)
	}
	return refreshed, changed
}
