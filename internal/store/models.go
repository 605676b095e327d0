// Package store defines the persistence interface for stories, loops and git snapshots, the
// SQLite implementation, and row helpers shared with the PostgreSQL implementation.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/pkg/models"
)

// Scope selects the stories a loop owns: every story of a backlog when PRDID is set,
// otherwise the standalone stories (no backlog) of WorkspacePath.
type Scope struct {
	PRDID         *string
	WorkspacePath string
}

// Key returns the loop scope key, see models.ScopeKey.
func (s Scope) Key() string { return models.ScopeKey(s.PRDID, s.WorkspacePath) }

// StoryFilter narrows ListStories. Zero fields do not filter.
type StoryFilter struct {
	Scope         *Scope
	WorkspacePath string
	Status        string
	LinkedOnly    bool // only stories with an external reference
	Provider      string
}

// Where renders the filter as a SQL condition; ph returns the placeholder for the n-th arg (1-based).
func (f StoryFilter) Where(ph func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}
	if f.Scope != nil {
		if f.Scope.PRDID != nil && *f.Scope.PRDID != "" {
			add("prd_id = %s", *f.Scope.PRDID)
		} else {
			add("workspace_path = %s", f.Scope.WorkspacePath)
			conds = append(conds, "prd_id IS NULL")
		}
	}
	if f.WorkspacePath != "" {
		add("workspace_path = %s", f.WorkspacePath)
	}
	if f.Status != "" {
		add("status = %s", f.Status)
	}
	if f.LinkedOnly {
		conds = append(conds, "external_id IS NOT NULL")
	}
	if f.Provider != "" {
		add("external_provider = %s", f.Provider)
	}
	if len(conds) == 0 {
		return "1=1", nil
	}
	return strings.Join(conds, " AND "), args
}

// StoryUpdate holds content edits. Nil fields are left unchanged. Status is not editable here.
type StoryUpdate struct {
	Title              *string
	Description        *string
	Priority           *string
	AcceptanceCriteria *[]models.AcceptanceCriterion
	DependsOn          *[]models.Dependency
	MaxAttempts        *int
	SortOrder          *int
}

// Assignments renders the non-nil fields as SET clauses with their args.
func (u StoryUpdate) Assignments(ph func(n int) string) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+"="+ph(len(args)))
	}
	if u.Title != nil {
		if *u.Title == "" {
			return nil, nil, apperr.Validation("story title cannot be empty")
		}
		add("title", *u.Title)
	}
	if u.Description != nil {
		add("description", *u.Description)
	}
	if u.Priority != nil {
		add("priority", models.NormalizePriority(*u.Priority))
	}
	if u.AcceptanceCriteria != nil {
		raw, err := EncodeJSON(*u.AcceptanceCriteria)
		if err != nil {
			return nil, nil, err
		}
		add("acceptance_criteria", raw)
	}
	if u.DependsOn != nil {
		raw, err := EncodeJSON(*u.DependsOn)
		if err != nil {
			return nil, nil, err
		}
		add("depends_on", raw)
	}
	if u.MaxAttempts != nil {
		if *u.MaxAttempts <= 0 {
			return nil, nil, apperr.Validation("maxAttempts must be positive")
		}
		add("max_attempts", *u.MaxAttempts)
	}
	if u.SortOrder != nil {
		add("sort_order", *u.SortOrder)
	}
	return sets, args, nil
}

// RemoteRefresh is the content pulled from a tracker for a linked story. Status is the mapped
// local status; it is applied only when the story is not in progress.
type RemoteRefresh struct {
	Title          string
	Description    string
	Priority       string
	ExternalStatus string
	ExternalURL    string
	Status         string
	SyncedAt       time.Time
}

// RowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type RowScanner interface {
	Scan(dest ...any) error
}

// NewID returns a time-ordered id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StoryColumns is the column list ScanStory expects.
const StoryColumns = `id, prd_id, workspace_path, title, description, acceptance_criteria, priority, depends_on,
  status, attempts, max_attempts, learnings, sort_order, external_provider, external_id, external_url,
  external_synced_at, external_sync_direction, external_status, agent_session_id, conversation_id,
  commit_sha, created_at, updated_at`

// ScanStory reads one row selected with StoryColumns.
func ScanStory(r RowScanner) (models.Story, error) {
	var (
		s                            models.Story
		criteria, deps, learnings    string
		provider, extID, extURL, dir *string
		syncedAt                     *int64
		createdAt, updatedAt         int64
	)
	err := r.Scan(&s.ID, &s.PRDID, &s.WorkspacePath, &s.Title, &s.Description, &criteria, &s.Priority, &deps,
		&s.Status, &s.Attempts, &s.MaxAttempts, &learnings, &s.SortOrder, &provider, &extID, &extURL,
		&syncedAt, &dir, &s.ExternalStatus, &s.AgentSessionID, &s.ConversationID,
		&s.CommitSHA, &createdAt, &updatedAt)
	if err != nil {
		return models.Story{}, err
	}
	if err := decodeJSON(criteria, &s.AcceptanceCriteria); err != nil {
		return models.Story{}, fmt.Errorf("story %s acceptance_criteria: %w", s.ID, err)
	}
	if err := decodeJSON(deps, &s.DependsOn); err != nil {
		return models.Story{}, fmt.Errorf("story %s depends_on: %w", s.ID, err)
	}
	if err := decodeJSON(learnings, &s.Learnings); err != nil {
		return models.Story{}, fmt.Errorf("story %s learnings: %w", s.ID, err)
	}
	if extID != nil {
		ref := &models.ExternalRef{ExternalID: *extID}
		if provider != nil {
			ref.Provider = *provider
		}
		if extURL != nil {
			ref.ExternalURL = *extURL
		}
		if dir != nil {
			ref.SyncDirection = *dir
		}
		if syncedAt != nil {
			t := FromMillis(*syncedAt)
			ref.LastSyncedAt = &t
		}
		s.ExternalRef = ref
	}
	s.CreatedAt = FromMillis(createdAt)
	s.UpdatedAt = FromMillis(updatedAt)
	normalizeStory(&s)
	return s, nil
}

// StoryArgs returns the insert values for StoryColumns, in order.
func StoryArgs(s *models.Story) ([]any, error) {
	criteria, err := json.Marshal(s.AcceptanceCriteria)
	if err != nil {
		return nil, err
	}
	deps, err := json.Marshal(s.DependsOn)
	if err != nil {
		return nil, err
	}
	learnings, err := json.Marshal(s.Learnings)
	if err != nil {
		return nil, err
	}
	var provider, extID, extURL, dir *string
	var syncedAt *int64
	if ref := s.ExternalRef; ref != nil && ref.ExternalID != "" {
		provider, extID = &ref.Provider, &ref.ExternalID
		if ref.ExternalURL != "" {
			extURL = &ref.ExternalURL
		}
		if ref.SyncDirection != "" {
			dir = &ref.SyncDirection
		}
		if ref.LastSyncedAt != nil {
			ms := Millis(*ref.LastSyncedAt)
			syncedAt = &ms
		}
	}
	return []any{s.ID, s.PRDID, s.WorkspacePath, s.Title, s.Description, string(criteria), s.Priority, string(deps),
		s.Status, s.Attempts, s.MaxAttempts, string(learnings), s.SortOrder, provider, extID, extURL,
		syncedAt, dir, s.ExternalStatus, s.AgentSessionID, s.ConversationID,
		s.CommitSHA, Millis(s.CreatedAt), Millis(s.UpdatedAt)}, nil
}

// PrepareNewStory fills defaults on a story about to be inserted.
func PrepareNewStory(s *models.Story, now time.Time) {
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.Status == "" {
		s.Status = models.StoryPending
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = models.DefaultMaxAttempts
	}
	s.Priority = models.NormalizePriority(s.Priority)
	s.CreatedAt = now
	s.UpdatedAt = now
	normalizeStory(s)
}

func normalizeStory(s *models.Story) {
	if s.AcceptanceCriteria == nil {
		s.AcceptanceCriteria = []models.AcceptanceCriterion{}
	}
	if s.DependsOn == nil {
		s.DependsOn = []models.Dependency{}
	}
	if s.Learnings == nil {
		s.Learnings = []string{}
	}
}

// LoopColumns is the column list ScanLoop expects.
const LoopColumns = `id, prd_id, workspace_path, scope, status, config, current_story_id, iteration, last_error,
  started_at, ended_at, updated_at`

// ScanLoop reads one row selected with LoopColumns.
func ScanLoop(r RowScanner) (models.Loop, error) {
	var (
		l                    models.Loop
		cfg                  string
		startedAt, updatedAt int64
		endedAt              *int64
	)
	if err := r.Scan(&l.ID, &l.PRDID, &l.WorkspacePath, &l.Scope, &l.Status, &cfg, &l.CurrentStoryID, &l.Iteration,
		&l.LastError, &startedAt, &endedAt, &updatedAt); err != nil {
		return models.Loop{}, err
	}
	if err := decodeJSON(cfg, &l.Config); err != nil {
		return models.Loop{}, fmt.Errorf("loop %s config: %w", l.ID, err)
	}
	l.StartedAt = FromMillis(startedAt)
	l.UpdatedAt = FromMillis(updatedAt)
	if endedAt != nil {
		t := FromMillis(*endedAt)
		l.EndedAt = &t
	}
	return l, nil
}

// IterationColumns is the column list ScanIteration expects.
const IterationColumns = `id, loop_id, story_id, story_title, attempt, outcome, detail, session_id, snapshot_id,
  commit_sha, started_at, ended_at`

// ScanIteration reads one row selected with IterationColumns.
func ScanIteration(r RowScanner) (models.IterationLogEntry, error) {
	var e models.IterationLogEntry
	var startedAt, endedAt int64
	if err := r.Scan(&e.ID, &e.LoopID, &e.StoryID, &e.StoryTitle, &e.Attempt, &e.Outcome, &e.Detail, &e.SessionID,
		&e.SnapshotID, &e.CommitSHA, &startedAt, &endedAt); err != nil {
		return models.IterationLogEntry{}, err
	}
	e.StartedAt = FromMillis(startedAt)
	e.EndedAt = FromMillis(endedAt)
	return e, nil
}

// SnapshotColumns is the column list ScanSnapshot expects.
const SnapshotColumns = `id, workspace_path, conversation_id, head_sha, stash_sha, reason, has_changes, created_at`

// ScanSnapshot reads one row selected with SnapshotColumns.
func ScanSnapshot(r RowScanner) (models.Snapshot, error) {
	var s models.Snapshot
	var createdAt int64
	if err := r.Scan(&s.ID, &s.WorkspacePath, &s.ConversationID, &s.HeadSHA, &s.StashSHA, &s.Reason, &s.HasChanges,
		&createdAt); err != nil {
		return models.Snapshot{}, err
	}
	s.CreatedAt = FromMillis(createdAt)
	return s, nil
}

// Millis converts t to unix milliseconds, the stored timestamp format.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Now returns the current time truncated to the stored precision.
func Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func decodeJSON(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

// EncodeJSON marshals v for a TEXT column.
func EncodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
