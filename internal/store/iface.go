package store

import (
	"context"

	"github.com/airgap/maude-sub003/pkg/models"
)

// Store is the persistence interface for stories, loops, iteration logs and git snapshots.
// Implementations: the SQLite store returned by Open and *postgres.Store (PostgreSQL).
//
// Status writes are gated on the current status; a gated write that matched no row reports
// false (or an ErrConflict error) instead of overwriting.
type Store interface {
	// Stories
	CreateStory(ctx context.Context, s *models.Story) error
	GetStory(ctx context.Context, id string) (models.Story, error)
	ListStories(ctx context.Context, f StoryFilter) ([]models.Story, error)
	UpdateStory(ctx context.Context, id string, u StoryUpdate) (models.Story, error)
	DeleteStory(ctx context.Context, id string) error
	MaxSortOrder(ctx context.Context, scope Scope) (int, error)
	StartStoryAttempt(ctx context.Context, id string) (bool, error)
	BindStorySession(ctx context.Context, id, sessionID, conversationID string) error
	CompleteStory(ctx context.Context, id string, commitSHA *string) (models.Story, error)
	FailStoryAttempt(ctx context.Context, id, learning string) (models.Story, error)
	ReleaseStory(ctx context.Context, id string) (bool, error)
	ResetStory(ctx context.Context, id string) (models.Story, error)
	ResetFailedStories(ctx context.Context, scope Scope) (int, error)
	ApplyRemoteRefresh(ctx context.Context, id string, r RemoteRefresh) (bool, error)

	// Loops
	CreateLoop(ctx context.Context, l *models.Loop) error
	GetLoop(ctx context.Context, id string) (models.Loop, error)
	ListLoops(ctx context.Context, status string) ([]models.Loop, error)
	TransitionLoop(ctx context.Context, id string, from []string, to string, lastError *string) (bool, error)
	UpdateLoopProgress(ctx context.Context, id string, currentStoryID *string, iteration int) error
	AppendIteration(ctx context.Context, e *models.IterationLogEntry) error
	ListIterations(ctx context.Context, loopID string) ([]models.IterationLogEntry, error)

	// Git snapshots (append-only)
	CreateSnapshot(ctx context.Context, s *models.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (models.Snapshot, error)
	ListSnapshots(ctx context.Context, workspacePath string, limit int) ([]models.Snapshot, error)

	// Lifecycle
	Close() error
}
