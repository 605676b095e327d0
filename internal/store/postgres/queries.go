package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

func ph(n int) string { return fmt.Sprintf("$%d", n) }

// placeholders returns "$from, ..., $from+count-1".
func placeholders(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = ph(from + i)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateStory(ctx context.Context, st *models.Story) error {
	if st.Title == "" {
		return apperr.Validation("story title required")
	}
	if st.WorkspacePath == "" {
		return apperr.Validation("story workspacePath required")
	}
	store.PrepareNewStory(st, store.Now())
	if st.SortOrder == 0 {
		last, err := s.MaxSortOrder(ctx, store.Scope{PRDID: st.PRDID, WorkspacePath: st.WorkspacePath})
		if err != nil {
			return err
		}
		st.SortOrder = last + 1
	}
	args, err := store.StoryArgs(st)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO stories(`+store.StoryColumns+`) VALUES(`+placeholders(1, len(args))+`)`, args...)
	if isUniqueViolation(err) {
		return apperr.Conflict("story already exists: %s", st.ID)
	}
	return err
}

func (s *Store) GetStory(ctx context.Context, id string) (models.Story, error) {
	st, err := store.ScanStory(s.Pool.QueryRow(ctx, `SELECT `+store.StoryColumns+` FROM stories WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Story{}, apperr.NotFound("story", id)
		}
		return models.Story{}, err
	}
	return st, nil
}

func (s *Store) ListStories(ctx context.Context, f store.StoryFilter) ([]models.Story, error) {
	where, args := f.Where(ph)
	rows, err := s.Pool.Query(ctx, `SELECT `+store.StoryColumns+` FROM stories WHERE `+where+` ORDER BY sort_order ASC, created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Story{}
	for rows.Next() {
		st, err := store.ScanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStory(ctx context.Context, id string, u store.StoryUpdate) (models.Story, error) {
	sets, args, err := u.Assignments(ph)
	if err != nil {
		return models.Story{}, err
	}
	if len(sets) > 0 {
		n := len(args)
		args = append(args, store.Millis(store.Now()), id)
		tag, err := s.Pool.Exec(ctx, fmt.Sprintf(`UPDATE stories SET %s, updated_at=$%d WHERE id=$%d`, strings.Join(sets, ", "), n+1, n+2), args...)
		if err != nil {
			return models.Story{}, err
		}
		if tag.RowsAffected() == 0 {
			return models.Story{}, apperr.NotFound("story", id)
		}
	}
	return s.GetStory(ctx, id)
}

func (s *Store) DeleteStory(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM stories WHERE id=$1 AND status != 'in_progress'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetStory(ctx, id); err != nil {
			return err
		}
		return apperr.Conflict("story %s is in progress", id)
	}
	return nil
}

func (s *Store) MaxSortOrder(ctx context.Context, scope store.Scope) (int, error) {
	where, args := store.StoryFilter{Scope: &scope}.Where(ph)
	var last int
	err := s.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(sort_order), 0) FROM stories WHERE `+where, args...).Scan(&last)
	return last, err
}

func (s *Store) StartStoryAttempt(ctx context.Context, id string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE stories SET status='in_progress', updated_at=$1 WHERE id=$2 AND status='pending' AND attempts < max_attempts`,
		store.Millis(store.Now()), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) BindStorySession(ctx context.Context, id, sessionID, conversationID string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE stories SET agent_session_id=$1, conversation_id=$2, updated_at=$3 WHERE id=$4`,
		sessionID, conversationID, store.Millis(store.Now()), id)
	return err
}

func (s *Store) CompleteStory(ctx context.Context, id string, commitSHA *string) (models.Story, error) {
	tag, err := s.Pool.Exec(ctx, `
UPDATE stories SET status='completed', attempts=LEAST(attempts+1, max_attempts), commit_sha=COALESCE($1, commit_sha), updated_at=$2
WHERE id=$3 AND status='in_progress'`, commitSHA, store.Millis(store.Now()), id)
	if err != nil {
		return models.Story{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Story{}, s.notInProgress(ctx, id)
	}
	return s.GetStory(ctx, id)
}

func (s *Store) FailStoryAttempt(ctx context.Context, id, learning string) (models.Story, error) {
	tag, err := s.Pool.Exec(ctx, `
UPDATE stories SET
  attempts = LEAST(attempts+1, max_attempts),
  learnings = (COALESCE(NULLIF(learnings, ''), '[]')::jsonb || jsonb_build_array($1::text))::text,
  status = CASE WHEN attempts+1 >= max_attempts THEN 'failed' ELSE 'pending' END,
  updated_at = $2
WHERE id=$3 AND status='in_progress'`, learning, store.Millis(store.Now()), id)
	if err != nil {
		return models.Story{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Story{}, s.notInProgress(ctx, id)
	}
	return s.GetStory(ctx, id)
}

func (s *Store) ReleaseStory(ctx context.Context, id string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE stories SET status='pending', updated_at=$1 WHERE id=$2 AND status='in_progress'`, store.Millis(store.Now()), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) notInProgress(ctx context.Context, id string) error {
	st, err := s.GetStory(ctx, id)
	if err != nil {
		return err
	}
	return apperr.Conflict("story %s is %s, not in_progress", id, st.Status)
}

const resetSet = `status='pending', attempts=0, learnings='[]', agent_session_id=NULL, conversation_id=NULL, commit_sha=NULL`

func (s *Store) ResetStory(ctx context.Context, id string) (models.Story, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE stories SET `+resetSet+`, updated_at=$1 WHERE id=$2`, store.Millis(store.Now()), id)
	if err != nil {
		return models.Story{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Story{}, apperr.NotFound("story", id)
	}
	return s.GetStory(ctx, id)
}

func (s *Store) ResetFailedStories(ctx context.Context, scope store.Scope) (int, error) {
	// updated_at takes $1, the filter placeholders follow.
	where, args := store.StoryFilter{Scope: &scope, Status: models.StoryFailed}.Where(func(n int) string { return ph(n + 1) })
	args = append([]any{store.Millis(store.Now())}, args...)
	tag, err := s.Pool.Exec(ctx, `UPDATE stories SET `+resetSet+`, updated_at=$1 WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ApplyRemoteRefresh(ctx context.Context, id string, r store.RemoteRefresh) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := store.Millis(store.Now())
	tag, err := tx.Exec(ctx, `
UPDATE stories SET title=$1, description=$2, priority=$3, external_status=$4, external_url=COALESCE(NULLIF($5, ''), external_url),
  external_synced_at=$6, updated_at=$7
WHERE id=$8`, r.Title, r.Description, models.NormalizePriority(r.Priority), r.ExternalStatus, r.ExternalURL, store.Millis(r.SyncedAt), now, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, apperr.NotFound("story", id)
	}
	var changed bool
	if r.Status != "" && r.Status != models.StoryInProgress {
		tag, err := tx.Exec(ctx, `UPDATE stories SET status=$1, updated_at=$2 WHERE id=$3 AND status != 'in_progress' AND status != $1
  AND NOT (status='failed' AND attempts >= max_attempts)`, r.Status, now, id)
		if err != nil {
			return false, err
		}
		changed = tag.RowsAffected() > 0
	}
	return changed, tx.Commit(ctx)
}

func (s *Store) CreateLoop(ctx context.Context, l *models.Loop) error {
	if l.ID == "" {
		l.ID = store.NewID()
	}
	now := store.Now()
	l.Scope = models.ScopeKey(l.PRDID, l.WorkspacePath)
	if l.Status == "" {
		l.Status = models.LoopRunning
	}
	l.StartedAt, l.UpdatedAt = now, now
	cfg, err := store.EncodeJSON(l.Config)
	if err != nil {
		return err
	}
	var active int
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM loops WHERE scope=$1 AND status IN ('running','paused')`, l.Scope).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return apperr.Conflict("scope %s already has an active loop", l.Scope)
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO loops(`+store.LoopColumns+`) VALUES(`+placeholders(1, 12)+`)`,
		l.ID, l.PRDID, l.WorkspacePath, l.Scope, l.Status, cfg, l.CurrentStoryID, l.Iteration, l.LastError, store.Millis(now), nil, store.Millis(now))
	if isUniqueViolation(err) {
		return apperr.Conflict("scope %s already has an active loop", l.Scope)
	}
	return err
}

func (s *Store) GetLoop(ctx context.Context, id string) (models.Loop, error) {
	l, err := store.ScanLoop(s.Pool.QueryRow(ctx, `SELECT `+store.LoopColumns+` FROM loops WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Loop{}, apperr.NotFound("loop", id)
		}
		return models.Loop{}, err
	}
	return l, nil
}

func (s *Store) ListLoops(ctx context.Context, status string) ([]models.Loop, error) {
	q := `SELECT ` + store.LoopColumns + ` FROM loops`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	rows, err := s.Pool.Query(ctx, q+` ORDER BY started_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Loop{}
	for rows.Next() {
		l, err := store.ScanLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) TransitionLoop(ctx context.Context, id string, from []string, to string, lastError *string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}
	now := store.Millis(store.Now())
	var ended *int64
	if models.IsTerminalLoopStatus(to) {
		ended = &now
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE loops SET status=$1, ended_at=$2, last_error=COALESCE($3, last_error), updated_at=$4 WHERE id=$5 AND status = ANY($6)`,
		to, ended, lastError, now, id, from)
	if err != nil {
		if isUniqueViolation(err) {
			return false, apperr.Conflict("loop %s: scope already has an active loop", id)
		}
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetLoop(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) UpdateLoopProgress(ctx context.Context, id string, currentStoryID *string, iteration int) error {
	_, err := s.Pool.Exec(ctx, `UPDATE loops SET current_story_id=$1, iteration=$2, updated_at=$3 WHERE id=$4`,
		currentStoryID, iteration, store.Millis(store.Now()), id)
	return err
}

func (s *Store) AppendIteration(ctx context.Context, e *models.IterationLogEntry) error {
	return s.Pool.QueryRow(ctx, `
INSERT INTO loop_iterations(loop_id, story_id, story_title, attempt, outcome, detail, session_id, snapshot_id, commit_sha, started_at, ended_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		e.LoopID, e.StoryID, e.StoryTitle, e.Attempt, e.Outcome, e.Detail, e.SessionID, e.SnapshotID, e.CommitSHA,
		store.Millis(e.StartedAt), store.Millis(e.EndedAt)).Scan(&e.ID)
}

func (s *Store) ListIterations(ctx context.Context, loopID string) ([]models.IterationLogEntry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+store.IterationColumns+` FROM loop_iterations WHERE loop_id = $1 ORDER BY id ASC`, loopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.IterationLogEntry{}
	for rows.Next() {
		e, err := store.ScanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap.ID == "" {
		snap.ID = store.NewID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = store.Now()
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO git_snapshots(`+store.SnapshotColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.WorkspacePath, snap.ConversationID, snap.HeadSHA, snap.StashSHA, snap.Reason, snap.HasChanges, store.Millis(snap.CreatedAt))
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (models.Snapshot, error) {
	snap, err := store.ScanSnapshot(s.Pool.QueryRow(ctx, `SELECT `+store.SnapshotColumns+` FROM git_snapshots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Snapshot{}, apperr.NotFound("snapshot", id)
		}
		return models.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, workspacePath string, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = models.DefaultSnapshotListLimit
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+store.SnapshotColumns+` FROM git_snapshots WHERE workspace_path = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, workspacePath, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Snapshot{}
	for rows.Next() {
		snap, err := store.ScanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
