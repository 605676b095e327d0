package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/pkg/models"
)

func sqlitePH(int) string { return "?" }

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *sqliteStore) CreateStory(ctx context.Context, st *models.Story) error {
	if st.Title == "" {
		return apperr.Validation("story title required")
	}
	if st.WorkspacePath == "" {
		return apperr.Validation("story workspacePath required")
	}
	PrepareNewStory(st, Now())
	if st.SortOrder == 0 {
		last, err := s.MaxSortOrder(ctx, Scope{PRDID: st.PRDID, WorkspacePath: st.WorkspacePath})
		if err != nil {
			return err
		}
		st.SortOrder = last + 1
	}
	args, err := StoryArgs(st)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO stories(`+StoryColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueViolation(err) {
		return apperr.Conflict("story already exists: %s", st.ID)
	}
	return err
}

func (s *sqliteStore) GetStory(ctx context.Context, id string) (models.Story, error) {
	st, err := ScanStory(s.stmtGetStory.QueryRowContext(ctx, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Story{}, apperr.NotFound("story", id)
		}
		return models.Story{}, err
	}
	return st, nil
}

func (s *sqliteStore) ListStories(ctx context.Context, f StoryFilter) ([]models.Story, error) {
	where, args := f.Where(sqlitePH)
	rows, err := s.DB.QueryContext(ctx, `SELECT `+StoryColumns+` FROM stories WHERE `+where+` ORDER BY sort_order ASC, created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []models.Story{}
	for rows.Next() {
		st, err := ScanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateStory(ctx context.Context, id string, u StoryUpdate) (models.Story, error) {
	sets, args, err := u.Assignments(sqlitePH)
	if err != nil {
		return models.Story{}, err
	}
	if len(sets) > 0 {
		args = append(args, Millis(Now()), id)
		res, err := s.DB.ExecContext(ctx, `UPDATE stories SET `+strings.Join(sets, ", ")+`, updated_at=? WHERE id=?`, args...)
		if err != nil {
			return models.Story{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.Story{}, apperr.NotFound("story", id)
		}
	}
	return s.GetStory(ctx, id)
}

func (s *sqliteStore) DeleteStory(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM stories WHERE id=? AND status != 'in_progress'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetStory(ctx, id); err != nil {
			return err
		}
		return apperr.Conflict("story %s is in progress", id)
	}
	return nil
}

func (s *sqliteStore) MaxSortOrder(ctx context.Context, scope Scope) (int, error) {
	where, args := StoryFilter{Scope: &scope}.Where(sqlitePH)
	var last int
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), 0) FROM stories WHERE `+where, args...).Scan(&last)
	return last, err
}

// StartStoryAttempt moves a pending story with retries left to in_progress. Returns false if
// the story was not in that state.
func (s *sqliteStore) StartStoryAttempt(ctx context.Context, id string) (bool, error) {
	res, err := s.stmtStartAttempt.ExecContext(ctx, Millis(Now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) BindStorySession(ctx context.Context, id, sessionID, conversationID string) error {
	_, err := s.stmtBindSession.ExecContext(ctx, sessionID, conversationID, Millis(Now()), id)
	return err
}

func (s *sqliteStore) CompleteStory(ctx context.Context, id string, commitSHA *string) (models.Story, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE stories SET status='completed', attempts=MIN(attempts+1, max_attempts), commit_sha=COALESCE(?, commit_sha), updated_at=?
WHERE id=? AND status='in_progress'`, commitSHA, Millis(Now()), id)
	if err != nil {
		return models.Story{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Story{}, s.notInProgress(ctx, id)
	}
	return s.GetStory(ctx, id)
}

// FailStoryAttempt counts a failed attempt and appends the learning. The story returns to
// pending while retries remain, otherwise it is failed.
func (s *sqliteStore) FailStoryAttempt(ctx context.Context, id, learning string) (models.Story, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE stories SET
  attempts = MIN(attempts+1, max_attempts),
  learnings = json_insert(COALESCE(NULLIF(learnings, ''), '[]'), '$[#]', ?),
  status = CASE WHEN attempts+1 >= max_attempts THEN 'failed' ELSE 'pending' END,
  updated_at = ?
WHERE id=? AND status='in_progress'`, learning, Millis(Now()), id)
	if err != nil {
		return models.Story{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Story{}, s.notInProgress(ctx, id)
	}
	return s.GetStory(ctx, id)
}

// ReleaseStory returns an interrupted in_progress story to pending without counting an attempt.
func (s *sqliteStore) ReleaseStory(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE stories SET status='pending', updated_at=? WHERE id=? AND status='in_progress'`, Millis(Now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) notInProgress(ctx context.Context, id string) error {
	st, err := s.GetStory(ctx, id)
	if err != nil {
		return err
	}
	return apperr.Conflict("story %s is %s, not in_progress", id, st.Status)
}

const resetSet = `status='pending', attempts=0, learnings='[]', agent_session_id=NULL, conversation_id=NULL, commit_sha=NULL`

func (s *sqliteStore) ResetStory(ctx context.Context, id string) (models.Story, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE stories SET `+resetSet+`, updated_at=? WHERE id=?`, Millis(Now()), id)
	if err != nil {
		return models.Story{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Story{}, apperr.NotFound("story", id)
	}
	return s.GetStory(ctx, id)
}

func (s *sqliteStore) ResetFailedStories(ctx context.Context, scope Scope) (int, error) {
	where, args := StoryFilter{Scope: &scope, Status: models.StoryFailed}.Where(sqlitePH)
	args = append([]any{Millis(Now())}, args...)
	res, err := s.DB.ExecContext(ctx, `UPDATE stories SET `+resetSet+`, updated_at=? WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ApplyRemoteRefresh always writes the remote content. The status write is gated: it never
// moves a story into or out of in_progress, and a failed story at its attempt cap stays
// failed until reset. Returns true when the status changed.
func (s *sqliteStore) ApplyRemoteRefresh(ctx context.Context, id string, r RemoteRefresh) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := Millis(Now())
	res, err := tx.ExecContext(ctx, `
UPDATE stories SET title=?, description=?, priority=?, external_status=?, external_url=COALESCE(NULLIF(?, ''), external_url),
  external_synced_at=?, updated_at=?
WHERE id=?`, r.Title, r.Description, models.NormalizePriority(r.Priority), r.ExternalStatus, r.ExternalURL, Millis(r.SyncedAt), now, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, apperr.NotFound("story", id)
	}
	var changed bool
	if r.Status != "" && r.Status != models.StoryInProgress {
		res, err := tx.ExecContext(ctx, `UPDATE stories SET status=?, updated_at=? WHERE id=? AND status != 'in_progress' AND status != ?
  AND NOT (status='failed' AND attempts >= max_attempts)`, r.Status, now, id, r.Status)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		changed = n > 0
	}
	return changed, tx.Commit()
}

func (s *sqliteStore) CreateLoop(ctx context.Context, l *models.Loop) error {
	if l.ID == "" {
		l.ID = NewID()
	}
	now := Now()
	l.Scope = models.ScopeKey(l.PRDID, l.WorkspacePath)
	if l.Status == "" {
		l.Status = models.LoopRunning
	}
	l.StartedAt, l.UpdatedAt = now, now
	cfg, err := EncodeJSON(l.Config)
	if err != nil {
		return err
	}
	var active int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM loops WHERE scope=? AND status IN ('running','paused')`, l.Scope).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return apperr.Conflict("scope %s already has an active loop", l.Scope)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO loops(`+LoopColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.PRDID, l.WorkspacePath, l.Scope, l.Status, cfg, l.CurrentStoryID, l.Iteration, l.LastError, Millis(now), nil, Millis(now))
	if isUniqueViolation(err) {
		return apperr.Conflict("scope %s already has an active loop", l.Scope)
	}
	return err
}

func (s *sqliteStore) GetLoop(ctx context.Context, id string) (models.Loop, error) {
	l, err := ScanLoop(s.stmtGetLoop.QueryRowContext(ctx, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Loop{}, apperr.NotFound("loop", id)
		}
		return models.Loop{}, err
	}
	return l, nil
}

func (s *sqliteStore) ListLoops(ctx context.Context, status string) ([]models.Loop, error) {
	q := `SELECT ` + LoopColumns + ` FROM loops`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := s.DB.QueryContext(ctx, q+` ORDER BY started_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []models.Loop{}
	for rows.Next() {
		l, err := ScanLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// TransitionLoop moves a loop to status `to` if its current status is one of `from`. Terminal
// targets stamp ended_at; running clears it. Reactivating a loop whose scope is already owned
// is a conflict.
func (s *sqliteStore) TransitionLoop(ctx context.Context, id string, from []string, to string, lastError *string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}
	now := Millis(Now())
	var ended any
	if models.IsTerminalLoopStatus(to) {
		ended = now
	}
	args := []any{to, ended, lastError, now, id}
	for _, f := range from {
		args = append(args, f)
	}
	q := fmt.Sprintf(`UPDATE loops SET status=?, ended_at=?, last_error=COALESCE(?, last_error), updated_at=? WHERE id=? AND status IN (%s)`,
		strings.TrimSuffix(strings.Repeat("?,", len(from)), ","))
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, apperr.Conflict("loop %s: scope already has an active loop", id)
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetLoop(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (s *sqliteStore) UpdateLoopProgress(ctx context.Context, id string, currentStoryID *string, iteration int) error {
	_, err := s.stmtLoopProgress.ExecContext(ctx, currentStoryID, iteration, Millis(Now()), id)
	return err
}

func (s *sqliteStore) AppendIteration(ctx context.Context, e *models.IterationLogEntry) error {
	res, err := s.stmtAppendIter.ExecContext(ctx, e.LoopID, e.StoryID, e.StoryTitle, e.Attempt, e.Outcome, e.Detail,
		e.SessionID, e.SnapshotID, e.CommitSHA, Millis(e.StartedAt), Millis(e.EndedAt))
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) ListIterations(ctx context.Context, loopID string) ([]models.IterationLogEntry, error) {
	rows, err := s.stmtListIterations.QueryContext(ctx, loopID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []models.IterationLogEntry{}
	for rows.Next() {
		e, err := ScanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap.ID == "" {
		snap.ID = NewID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = Now()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO git_snapshots(`+SnapshotColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.WorkspacePath, snap.ConversationID, snap.HeadSHA, snap.StashSHA, snap.Reason, snap.HasChanges, Millis(snap.CreatedAt))
	return err
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, id string) (models.Snapshot, error) {
	snap, err := ScanSnapshot(s.DB.QueryRowContext(ctx, `SELECT `+SnapshotColumns+` FROM git_snapshots WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Snapshot{}, apperr.NotFound("snapshot", id)
		}
		return models.Snapshot{}, err
	}
	return snap, nil
}

func (s *sqliteStore) ListSnapshots(ctx context.Context, workspacePath string, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = models.DefaultSnapshotListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+SnapshotColumns+` FROM git_snapshots WHERE workspace_path = ? ORDER BY created_at DESC, id DESC LIMIT ?`, workspacePath, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []models.Snapshot{}
	for rows.Next() {
		snap, err := ScanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
