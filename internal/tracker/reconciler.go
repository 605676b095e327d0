package tracker

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/otel"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

// SyncDirection recorded on imported stories.
const SyncDirectionBoth = "both"

// Reconciler moves issues between trackers and the story store.
type Reconciler struct {
	Store    store.Store
	Registry *Registry
	Now      func() time.Time
}

// NewReconciler returns a Reconciler over st and reg.
func NewReconciler(st store.Store, reg *Registry) *Reconciler {
	return &Reconciler{Store: st, Registry: reg}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return store.Now()
}

// Import creates stories for the project's issues. Issues already linked to a story in the
// workspace (or repeated in the batch) are skipped. Per-issue failures are collected in the
// result; only a failed listing fails the whole import.
func (r *Reconciler) Import(ctx context.Context, req models.ImportRequest) (models.ImportResult, error) {
	res := models.ImportResult{Errors: []models.ItemError{}, Stories: []models.Story{}}
	if req.WorkspacePath == "" {
		return res, apperr.Validation("workspacePath is required")
	}
	if req.ProjectKey == "" && len(req.FilterIDs) == 0 {
		return res, apperr.Validation("projectKey or filterIds is required")
	}
	p, err := r.Registry.Get(req.Provider)
	if err != nil {
		return res, err
	}

	var issues []Issue
	if len(req.FilterIDs) > 0 {
		for _, id := range req.FilterIDs {
			is, err := p.GetIssue(ctx, id)
			otel.RecordTrackerOp(ctx, p.ID(), "get_issue", err == nil)
			if err != nil {
				res.Errors = append(res.Errors, models.ItemError{ExternalID: id, Error: apperr.Sync(err, "%s get issue %s", p.ID(), id).Error()})
				continue
			}
			issues = append(issues, is)
		}
	} else {
		issues, err = p.ListIssues(ctx, req.ProjectKey, ListOptions{MaxResults: req.MaxResults})
		otel.RecordTrackerOp(ctx, p.ID(), "list_issues", err == nil)
		if err != nil {
			return res, apperr.Sync(err, "%s list issues in %s", p.ID(), req.ProjectKey)
		}
	}

	linked, err := r.Store.ListStories(ctx, store.StoryFilter{WorkspacePath: req.WorkspacePath, LinkedOnly: true, Provider: p.ID()})
	if err != nil {
		return res, err
	}
	seen := make(map[string]bool, len(linked)+len(issues))
	for _, s := range linked {
		seen[s.ExternalRef.ExternalID] = true
	}

	scope := store.Scope{PRDID: req.PRDID, WorkspacePath: req.WorkspacePath}
	sortOrder, err := r.Store.MaxSortOrder(ctx, scope)
	if err != nil {
		return res, err
	}
	now := r.now()
	for _, is := range issues {
		if seen[is.ExternalID] {
			res.Skipped++
			continue
		}
		seen[is.ExternalID] = true
		sortOrder++
		raw := is.RawStatus
		s := models.Story{
			PRDID:          req.PRDID,
			WorkspacePath:  req.WorkspacePath,
			Title:          is.Title,
			Description:    is.Description,
			Priority:       is.Priority,
			Status:         LocalStatus(is.State),
			SortOrder:      sortOrder,
			ExternalStatus: &raw,
		}
		s.ExternalRef = &models.ExternalRef{
			Provider:      p.ID(),
			ExternalID:    is.ExternalID,
			ExternalURL:   is.URL,
			LastSyncedAt:  &now,
			SyncDirection: SyncDirectionBoth,
		}
		if s.Title == "" {
			s.Title = is.ExternalID
		}
		if err := r.Store.CreateStory(ctx, &s); err != nil {
			res.Errors = append(res.Errors, models.ItemError{ExternalID: is.ExternalID, Error: apperr.Sync(err, "create story for %s", is.ExternalID).Error()})
			continue
		}
		res.Imported++
		res.Stories = append(res.Stories, s)
	}
	slog.Info("tracker import", "provider", p.ID(), "project", req.ProjectKey, "workspace", req.WorkspacePath,
		"imported", res.Imported, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

// Refresh pulls remote content for one linked story (StoryID) or every linked story of a
// scope. Content is always refreshed; status only when the story is not in progress.
func (r *Reconciler) Refresh(ctx context.Context, req models.RefreshRequest) (models.RefreshResult, error) {
	res := models.RefreshResult{Errors: []models.ItemError{}}
	var stories []models.Story
	switch {
	case req.StoryID != "":
		s, err := r.Store.GetStory(ctx, req.StoryID)
		if err != nil {
			return res, err
		}
		if s.ExternalRef == nil {
			return res, apperr.Validation("story %s is not linked to a tracker", s.ID)
		}
		stories = []models.Story{s}
	case req.WorkspacePath != "" || (req.PRDID != nil && *req.PRDID != ""):
		f := store.StoryFilter{LinkedOnly: true}
		if req.PRDID != nil && *req.PRDID != "" {
			f.Scope = &store.Scope{PRDID: req.PRDID, WorkspacePath: req.WorkspacePath}
		} else {
			f.WorkspacePath = req.WorkspacePath
		}
		var err error
		if stories, err = r.Store.ListStories(ctx, f); err != nil {
			return res, err
		}
	default:
		return res, apperr.Validation("storyId or workspacePath is required")
	}

	for _, s := range stories {
		changed, err := r.refreshOne(ctx, s)
		if err != nil {
			res.Errors = append(res.Errors, models.ItemError{StoryID: s.ID, ExternalID: s.ExternalRef.ExternalID, Error: err.Error()})
			continue
		}
		res.Refreshed++
		if changed {
			res.StatusChanged++
		}
	}
	if req.StoryID != "" && len(res.Errors) == 1 {
		return res, apperr.Sync(nil, "%s", res.Errors[0].Error)
	}
	return res, nil
}

func (r *Reconciler) refreshOne(ctx context.Context, s models.Story) (bool, error) {
	ref := s.ExternalRef
	p, err := r.Registry.Get(ref.Provider)
	if err != nil {
		return false, err
	}
	is, err := p.GetIssue(ctx, ref.ExternalID)
	otel.RecordTrackerOp(ctx, p.ID(), "get_issue", err == nil)
	if err != nil {
		return false, apperr.Sync(err, "%s get issue %s", p.ID(), ref.ExternalID)
	}
	title := is.Title
	if title == "" {
		title = s.Title
	}
	priority := is.Priority
	if priority == "" {
		priority = s.Priority
	}
	// Only the scheduler claims stories, so a remote "in progress" leaves the local status alone.
	status := LocalStatus(is.State)
	if status == models.StoryInProgress {
		status = ""
	}
	return r.Store.ApplyRemoteRefresh(ctx, s.ID, store.RemoteRefresh{
		Title:          title,
		Description:    is.Description,
		Priority:       priority,
		ExternalStatus: is.RawStatus,
		ExternalURL:    is.URL,
		Status:         status,
		SyncedAt:       r.now(),
	})
}

// PushStatus reports a terminal story outcome to the story's tracker.
func (r *Reconciler) PushStatus(ctx context.Context, storyID, status, evidence string) error {
	if !slices.Contains([]string{models.StoryCompleted, models.StoryFailed}, status) {
		return apperr.Validation("only %s or %s can be pushed, got %q", models.StoryCompleted, models.StoryFailed, status)
	}
	s, err := r.Store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if s.ExternalRef == nil {
		return apperr.Validation("story %s is not linked to a tracker", s.ID)
	}
	p, err := r.Registry.Get(s.ExternalRef.Provider)
	if err != nil {
		return err
	}
	err = p.PushStatus(ctx, s.ExternalRef.ExternalID, status, evidence)
	otel.RecordTrackerOp(ctx, p.ID(), "push_status", err == nil)
	if err != nil {
		return apperr.Sync(err, "%s push %s to %s", p.ID(), status, s.ExternalRef.ExternalID)
	}
	return nil
}
