// Package models provides shared types for the maude HTTP API, the store, and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import (
	"time"
)

// AcceptanceCriterion is one checkable condition of a story.
type AcceptanceCriterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
}

// Dependency names a story that must be completed first, with an optional reason.
type Dependency struct {
	StoryID string `json:"storyId"`
	Reason  string `json:"reason,omitempty"`
}

// ExternalRef links a story to an issue in an external tracker.
type ExternalRef struct {
	Provider      string     `json:"provider"`
	ExternalID    string     `json:"externalId"`
	ExternalURL   string     `json:"externalUrl,omitempty"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt,omitempty"`
	SyncDirection string     `json:"syncDirection,omitempty"` // "pull", "push" or "both"
}

// Story is one unit of backlog work.
type Story struct {
	ID                 string                `json:"id"`
	PRDID              *string               `json:"prdId,omitempty"`
	WorkspacePath      string                `json:"workspacePath"`
	Title              string                `json:"title"`
	Description        string                `json:"description"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptanceCriteria"`
	Priority           string                `json:"priority"`
	DependsOn          []Dependency          `json:"dependsOn"`
	Status             string                `json:"status"`
	Attempts           int                   `json:"attempts"`
	MaxAttempts        int                   `json:"maxAttempts"`
	Learnings          []string              `json:"learnings"`
	SortOrder          int                   `json:"sortOrder"`
	ExternalRef        *ExternalRef          `json:"externalRef,omitempty"`
	ExternalStatus     *string               `json:"externalStatus,omitempty"`
	AgentSessionID     *string               `json:"agentSessionId,omitempty"`
	ConversationID     *string               `json:"conversationId,omitempty"`
	CommitSHA          *string               `json:"commitSha,omitempty"`
	CreatedAt          time.Time             `json:"createdAt"`
	UpdatedAt          time.Time             `json:"updatedAt"`
}

// DependencyIDs returns the ids of the stories this story depends on.
func (s Story) DependencyIDs() []string {
	out := make([]string, 0, len(s.DependsOn))
	for _, d := range s.DependsOn {
		out = append(out, d.StoryID)
	}
	return out
}

// QualityCheck is a shell command run in the workspace after a successful agent turn.
type QualityCheck struct {
	Name       string `json:"name" yaml:"name"`
	Command    string `json:"command" yaml:"command"`
	TimeoutSec int    `json:"timeoutSec,omitempty" yaml:"timeout_sec,omitempty"`
}

// LoopConfig holds the per-loop knobs.
type LoopConfig struct {
	Model             string         `json:"model,omitempty" yaml:"model,omitempty"`
	MaxIterations     int            `json:"maxIterations,omitempty" yaml:"max_iterations,omitempty"` // 0 = unlimited
	DelayBetweenMs    int            `json:"delayBetweenMs,omitempty" yaml:"delay_between_ms,omitempty"`
	AttemptTimeoutSec int            `json:"attemptTimeoutSec,omitempty" yaml:"attempt_timeout_sec,omitempty"`
	QualityChecks     []QualityCheck `json:"qualityChecks,omitempty" yaml:"quality_checks,omitempty"`
	AutoCommit        bool           `json:"autoCommit,omitempty" yaml:"auto_commit,omitempty"`
	RollbackOnFailure bool           `json:"rollbackOnFailure,omitempty" yaml:"rollback_on_failure,omitempty"`
	SyncStatusBack    bool           `json:"syncStatusBack,omitempty" yaml:"sync_status_back,omitempty"`
	PromptTokenBudget int            `json:"promptTokenBudget,omitempty" yaml:"prompt_token_budget,omitempty"`
}

// Loop is one scheduling run bound to a scope.
type Loop struct {
	ID             string              `json:"id"`
	PRDID          *string             `json:"prdId,omitempty"`
	WorkspacePath  string              `json:"workspacePath"`
	Scope          string              `json:"scope"`
	Status         string              `json:"status"`
	Config         LoopConfig          `json:"config"`
	CurrentStoryID *string             `json:"currentStoryId,omitempty"`
	Iteration      int                 `json:"iteration"`
	LastError      *string             `json:"lastError,omitempty"`
	StartedAt      time.Time           `json:"startedAt"`
	EndedAt        *time.Time          `json:"endedAt,omitempty"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	IterationLog   []IterationLogEntry `json:"iterationLog,omitempty"`
}

// IterationLogEntry records one story attempt inside a loop.
type IterationLogEntry struct {
	ID         int64     `json:"id"`
	LoopID     string    `json:"loopId"`
	StoryID    string    `json:"storyId"`
	StoryTitle string    `json:"storyTitle,omitempty"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	SessionID  *string   `json:"sessionId,omitempty"`
	SnapshotID *string   `json:"snapshotId,omitempty"`
	CommitSHA  *string   `json:"commitSha,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
}

// Snapshot is an immutable git recovery point.
type Snapshot struct {
	ID             string    `json:"id"`
	WorkspacePath  string    `json:"workspacePath"`
	ConversationID *string   `json:"conversationId,omitempty"`
	HeadSHA        string    `json:"headSha"`
	StashSHA       *string   `json:"stashSha,omitempty"`
	Reason         string    `json:"reason"`
	HasChanges     bool      `json:"hasChanges"`
	CreatedAt      time.Time `json:"createdAt"`
}

// LoopEvent is a loop or story transition delivered to subscribers.
type LoopEvent struct {
	Type       string         `json:"type"`
	LoopID     string         `json:"loopId"`
	StoryID    string         `json:"storyId,omitempty"`
	StoryTitle string         `json:"storyTitle,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// SessionInfo describes an agent session for observability.
type SessionInfo struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	Complete       bool      `json:"complete"`
	Model          string    `json:"model,omitempty"`
	WorkspacePath  string    `json:"workspacePath,omitempty"`
	EventCount     int       `json:"eventCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ScopeKey returns the scope a loop owns: the backlog id when set, otherwise the
// standalone stories of the workspace.
func ScopeKey(prdID *string, workspacePath string) string {
	if prdID != nil && *prdID != "" {
		return "prd:" + *prdID
	}
	return "workspace:" + workspacePath
}

// StartLoopRequest is the body of POST /loops.
type StartLoopRequest struct {
	PRDID         *string     `json:"prdId,omitempty"`
	WorkspacePath string      `json:"workspacePath"`
	Config        *LoopConfig `json:"config"`
}

// StartLoopResponse is returned by POST /loops.
type StartLoopResponse struct {
	LoopID string `json:"loopId"`
	Loop   *Loop  `json:"loop,omitempty"`
}

// ResetFailedRequest is the body of POST /stories/reset-failed.
type ResetFailedRequest struct {
	PRDID         *string     `json:"prdId,omitempty"`
	WorkspacePath string      `json:"workspacePath"`
	Restart       bool        `json:"restart,omitempty"`
	Config        *LoopConfig `json:"config,omitempty"`
}

// ResetFailedResponse reports how many stories were reset and the restarted loop, if any.
type ResetFailedResponse struct {
	Reset  int    `json:"reset"`
	LoopID string `json:"loopId,omitempty"`
}

// ImportRequest is the body of POST /sync/import.
type ImportRequest struct {
	Provider      string   `json:"provider"`
	ProjectKey    string   `json:"projectKey"`
	PRDID         *string  `json:"prdId,omitempty"`
	WorkspacePath string   `json:"workspacePath"`
	FilterIDs     []string `json:"filterIds,omitempty"`
	MaxResults    int      `json:"maxResults,omitempty"`
}

// ItemError is a per-item failure inside a batch sync operation.
type ItemError struct {
	ExternalID string `json:"externalId,omitempty"`
	StoryID    string `json:"storyId,omitempty"`
	Error      string `json:"error"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int         `json:"imported"`
	Skipped  int         `json:"skipped"`
	Errors   []ItemError `json:"errors"`
	Stories  []Story     `json:"stories,omitempty"`
}

// RefreshRequest is the body of POST /sync/refresh. Either StoryID or WorkspacePath is set.
type RefreshRequest struct {
	StoryID       string  `json:"storyId,omitempty"`
	PRDID         *string `json:"prdId,omitempty"`
	WorkspacePath string  `json:"workspacePath,omitempty"`
}

// RefreshResult summarizes a refresh.
type RefreshResult struct {
	Refreshed     int         `json:"refreshed"`
	StatusChanged int         `json:"statusChanged"`
	Errors        []ItemError `json:"errors"`
}

// RestoreResult is the outcome of a snapshot restore.
type RestoreResult struct {
	SnapshotID string `json:"snapshotId"`
	HeadSHA    string `json:"headSha"`
	Reapplied  bool   `json:"reapplied"`
	Conflict   bool   `json:"conflict"`
	Message    string `json:"message,omitempty"`
}

// PushStatusRequest is the body of POST /sync/push.
type PushStatusRequest struct {
	StoryID  string `json:"storyId"`
	Status   string `json:"status"`
	Evidence string `json:"evidence,omitempty"`
}

// CreateSnapshotRequest is the body of POST /snapshots.
type CreateSnapshotRequest struct {
	WorkspacePath  string  `json:"workspacePath"`
	ConversationID *string `json:"conversationId,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// ImportPRDRequest is the body of POST /prd/import. Content is the backlog document in Format
// (yaml, toml or json).
type ImportPRDRequest struct {
	WorkspacePath string  `json:"workspacePath"`
	PRDID         *string `json:"prdId,omitempty"`
	Format        string  `json:"format,omitempty"`
	Content       string  `json:"content"`
}

// ImportPRDResponse lists the stories created from a backlog document.
type ImportPRDResponse struct {
	PRDID   *string `json:"prdId,omitempty"`
	Stories []Story `json:"stories"`
}

// ProviderInfo describes a tracker provider for GET /sync/providers.
type ProviderInfo struct {
	ID         string `json:"id"`
	Configured bool   `json:"configured"`
}
