package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/gitsafety"
	"github.com/airgap/maude-sub003/internal/otel"
	"github.com/airgap/maude-sub003/internal/prd"
	"github.com/airgap/maude-sub003/internal/resolver"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

var okBody = map[string]any{"ok": true}

// handleLoop serves /loops/{id}[/pause|resume|cancel|log|events].
func (a *App) handleLoop(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/loops/")
	if len(parts) == 0 || len(parts) > 2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	id := parts[0]
	ctx := r.Context()
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		l, err := a.Scheduler.Get(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, l)
		return
	}

	switch action := parts[1]; action {
	case "pause", "resume", "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var err error
		switch action {
		case "pause":
			err = a.Scheduler.Pause(ctx, id)
		case "resume":
			err = a.Scheduler.Resume(ctx, id)
		default:
			err = a.Scheduler.Cancel(ctx, id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, okBody)
	case "log":
		log, err := a.Scheduler.Log(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, log)
	case "events":
		a.handleLoopEvents(w, r, id)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleListStories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.StoryFilter{Status: q.Get("status"), Provider: q.Get("provider")}
	ws := q.Get("workspacePath")
	if prdID := q.Get("prdId"); prdID != "" {
		f.Scope = &store.Scope{PRDID: &prdID, WorkspacePath: ws}
	} else {
		f.WorkspacePath = ws
	}
	f.LinkedOnly = q.Get("linked") == "true"
	ready := q.Get("ready") == "true"
	if ready {
		if ws == "" {
			writeJSONError(w, http.StatusBadRequest, "ready requires workspacePath")
			return
		}
		// Eligibility depends on the whole scope, so only the scope narrows the query.
		var prdID *string
		if v := q.Get("prdId"); v != "" {
			prdID = &v
		}
		f = store.StoryFilter{Scope: &store.Scope{PRDID: prdID, WorkspacePath: ws}}
	}
	stories, err := a.Store.ListStories(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if ready {
		stories = resolver.Ready(stories)
		if stories == nil {
			stories = []models.Story{}
		}
	}
	writeJSON(w, stories)
}

func (a *App) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	var s models.Story
	if !decodeBody(w, r, &s) {
		return
	}
	if s.WorkspacePath == "" {
		writeJSONError(w, http.StatusBadRequest, "workspacePath is required")
		return
	}
	if s.Title == "" {
		writeJSONError(w, http.StatusBadRequest, "title is required")
		return
	}
	// Lifecycle fields are owned by the scheduler.
	s.ID, s.Status, s.Attempts, s.Learnings = "", "", 0, nil
	s.AgentSessionID, s.ConversationID, s.CommitSHA = nil, nil, nil
	if s.SortOrder == 0 {
		n, err := a.Store.MaxSortOrder(r.Context(), store.Scope{PRDID: s.PRDID, WorkspacePath: s.WorkspacePath})
		if err != nil {
			writeError(w, err)
			return
		}
		s.SortOrder = n + 1
	}
	if err := a.Store.CreateStory(r.Context(), &s); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s)
}

// storyPatch is the body of PATCH /stories/{id}.
type storyPatch struct {
	Title              *string                       `json:"title"`
	Description        *string                       `json:"description"`
	Priority           *string                       `json:"priority"`
	AcceptanceCriteria *[]models.AcceptanceCriterion `json:"acceptanceCriteria"`
	DependsOn          *[]models.Dependency          `json:"dependsOn"`
	MaxAttempts        *int                          `json:"maxAttempts"`
	SortOrder          *int                          `json:"sortOrder"`
}

// handleStory serves /stories/{id}[/reset] and /stories/reset-failed.
func (a *App) handleStory(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/stories/")
	ctx := r.Context()
	switch {
	case len(parts) == 1 && parts[0] == "reset-failed":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body models.ResetFailedRequest
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := a.Scheduler.ResetFailed(ctx, body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	case len(parts) == 1:
		id := parts[0]
		switch r.Method {
		case http.MethodGet:
			s, err := a.Store.GetStory(ctx, id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, s)
		case http.MethodPatch:
			var p storyPatch
			if !decodeBody(w, r, &p) {
				return
			}
			s, err := a.Store.UpdateStory(ctx, id, store.StoryUpdate(p))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, s)
		case http.MethodDelete:
			if err := a.Store.DeleteStory(ctx, id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, okBody)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case len(parts) == 2 && parts[1] == "reset":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s, err := a.Scheduler.ResetStory(ctx, parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if a.SafetyNet == nil {
		writeJSONError(w, http.StatusNotFound, "snapshots are not enabled")
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		limit := models.DefaultSnapshotListLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		snaps, err := a.SafetyNet.List(ctx, r.URL.Query().Get("workspacePath"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snaps)
	case http.MethodPost:
		var body models.CreateSnapshotRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if body.WorkspacePath == "" {
			writeJSONError(w, http.StatusBadRequest, "workspacePath is required")
			return
		}
		reason := body.Reason
		if reason == "" {
			reason = gitsafety.ReasonManual
		}
		snap, err := a.SafetyNet.Snapshot(ctx, body.WorkspacePath, body.ConversationID, reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSnapshot serves /snapshots/{id} and /snapshots/{id}/restore. A restore that could not
// reapply the dirty state is a reported outcome, not a request failure.
func (a *App) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.SafetyNet == nil {
		writeJSONError(w, http.StatusNotFound, "snapshots are not enabled")
		return
	}
	parts := pathParts(r.URL.Path, "/snapshots/")
	ctx := r.Context()
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		snap, err := a.Store.GetSnapshot(ctx, parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	case len(parts) == 2 && parts[1] == "restore" && r.Method == http.MethodPost:
		res, err := a.SafetyNet.Restore(ctx, parts[0])
		if err != nil && !errors.Is(err, apperr.ErrRestoreConflict) {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleSession serves /sessions/{id}[/approvals|events|cancel]. DELETE /sessions/{id} drops it.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	if a.Sessions == nil {
		writeJSONError(w, http.StatusNotFound, "sessions are not enabled")
		return
	}
	parts := pathParts(r.URL.Path, "/sessions/")
	if len(parts) == 0 || len(parts) > 2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	id := parts[0]
	if len(parts) == 1 && r.Method == http.MethodDelete {
		if err := a.Sessions.Remove(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, okBody)
		return
	}
	if len(parts) == 1 {
		info, err := a.Sessions.Info(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
		return
	}
	switch parts[1] {
	case "approvals":
		pending, err := a.Sessions.PendingApprovals(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, pending)
	case "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := a.Sessions.CancelGeneration(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, okBody)
	case "events":
		a.handleSessionEvents(w, r, id)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleSync serves /sync/providers, /sync/providers/{id}/test, /sync/import, /sync/refresh
// and /sync/push.
func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	if a.Tracker == nil {
		writeJSONError(w, http.StatusNotFound, "tracker sync is not enabled")
		return
	}
	parts := pathParts(r.URL.Path, "/sync/")
	ctx := r.Context()
	switch {
	case len(parts) == 1 && parts[0] == "providers" && r.Method == http.MethodGet:
		writeJSON(w, a.Tracker.Registry.List())
	case len(parts) == 3 && parts[0] == "providers" && parts[2] == "test" && r.Method == http.MethodPost:
		p, err := a.Tracker.Registry.Get(parts[1])
		if err != nil {
			writeError(w, err)
			return
		}
		err = p.TestConnection(ctx)
		otel.RecordTrackerOp(ctx, p.ID(), "test_connection", err == nil)
		if err != nil {
			writeError(w, apperr.Sync(err, "%s connection test", p.ID()))
			return
		}
		writeJSON(w, okBody)
	case len(parts) == 1 && parts[0] == "import" && r.Method == http.MethodPost:
		var body models.ImportRequest
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := a.Tracker.Import(ctx, body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	case len(parts) == 1 && parts[0] == "refresh" && r.Method == http.MethodPost:
		var body models.RefreshRequest
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := a.Tracker.Refresh(ctx, body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	case len(parts) == 1 && parts[0] == "push" && r.Method == http.MethodPost:
		var body models.PushStatusRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if err := a.Tracker.PushStatus(ctx, body.StoryID, body.Status, body.Evidence); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, okBody)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleImportPRD(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body models.ImportPRDRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Content == "" {
		writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	doc, err := prd.Parse([]byte(body.Content), prd.Format(body.Format))
	if err != nil {
		writeError(w, err)
		return
	}
	stories, err := prd.Import(r.Context(), a.Store, doc, body.WorkspacePath, body.PRDID)
	if err != nil {
		writeError(w, err)
		return
	}
	res := models.ImportPRDResponse{Stories: stories}
	if len(stories) > 0 {
		res.PRDID = stories[0].PRDID
	}
	writeJSON(w, res)
}
