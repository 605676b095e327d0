// Package gitsafety records restorable points of a workspace's git state and rolls back to them.
//
// A snapshot is HEAD plus, when tracked files are dirty, a `git stash create` commit. Taking a
// snapshot never changes the working tree or the index. Untracked files are neither captured
// nor removed on restore.
package gitsafety

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

// Snapshot reasons recorded by the scheduler and the API.
const (
	ReasonPreAgent = "pre-agent"
	ReasonManual   = "manual"
)

// SafetyNet persists snapshots through the store.
type SafetyNet struct {
	Store store.Store
}

// New returns a SafetyNet backed by st.
func New(st store.Store) *SafetyNet {
	return &SafetyNet{Store: st}
}

// Snapshot captures the workspace state and persists it.
func (n *SafetyNet) Snapshot(ctx context.Context, workspacePath string, conversationID *string, reason string) (models.Snapshot, error) {
	if workspacePath == "" {
		return models.Snapshot{}, apperr.Validation("workspacePath is required")
	}
	if reason == "" {
		reason = ReasonManual
	}
	head, err := HeadSHA(ctx, workspacePath)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot %s: %w", workspacePath, err)
	}
	snap := models.Snapshot{
		WorkspacePath:  workspacePath,
		ConversationID: conversationID,
		HeadSHA:        head,
		Reason:         reason,
	}
	dirty, err := IsDirty(ctx, workspacePath)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot %s: %w", workspacePath, err)
	}
	if dirty {
		stash, err := StashCreate(ctx, workspacePath)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("snapshot %s: %w", workspacePath, err)
		}
		if stash != "" {
			snap.StashSHA = &stash
			snap.HasChanges = true
		}
	}
	if err := n.Store.CreateSnapshot(ctx, &snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("persist snapshot: %w", err)
	}
	slog.Debug("git snapshot", "id", snap.ID, "workspace", workspacePath, "head", head, "has_changes", snap.HasChanges, "reason", reason)
	return snap, nil
}

// Restore resets the workspace to the snapshot's HEAD and reapplies its recorded changes.
// When reapplying conflicts the tree is reset to the HEAD again and the returned error
// matches apperr.ErrRestoreConflict; the result is still populated.
func (n *SafetyNet) Restore(ctx context.Context, id string) (models.RestoreResult, error) {
	snap, err := n.Store.GetSnapshot(ctx, id)
	if err != nil {
		return models.RestoreResult{}, err
	}
	res := models.RestoreResult{SnapshotID: snap.ID, HeadSHA: snap.HeadSHA}
	if err := ResetHard(ctx, snap.WorkspacePath, snap.HeadSHA); err != nil {
		return res, fmt.Errorf("restore %s: %w", snap.ID, err)
	}
	if snap.StashSHA == nil || *snap.StashSHA == "" {
		res.Message = "reset to " + short(snap.HeadSHA)
		return res, nil
	}
	if applyErr := StashApply(ctx, snap.WorkspacePath, *snap.StashSHA); applyErr != nil {
		if err := ResetHard(ctx, snap.WorkspacePath, snap.HeadSHA); err != nil {
			return res, fmt.Errorf("restore %s: reset after failed apply: %w", snap.ID, err)
		}
		res.Conflict = true
		res.Message = "uncommitted changes could not be reapplied; tree left at " + short(snap.HeadSHA)
		slog.Warn("git restore conflict", "id", snap.ID, "workspace", snap.WorkspacePath, "err", applyErr)
		return res, apperr.RestoreConflict(applyErr, "restore %s", snap.ID)
	}
	res.Reapplied = true
	res.Message = "reset to " + short(snap.HeadSHA) + " and reapplied uncommitted changes"
	return res, nil
}

// List returns the workspace's snapshots, most recent first.
func (n *SafetyNet) List(ctx context.Context, workspacePath string, limit int) ([]models.Snapshot, error) {
	if workspacePath == "" {
		return nil, apperr.Validation("workspacePath is required")
	}
	return n.Store.ListSnapshots(ctx, workspacePath, limit)
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
