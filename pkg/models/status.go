package models

// Story statuses.
const (
	StoryPending    = "pending"
	StoryInProgress = "in_progress"
	StoryCompleted  = "completed"
	StoryFailed     = "failed"
)

// Loop statuses. Running and paused loops are active; the rest are terminal.
const (
	LoopRunning   = "running"
	LoopPaused    = "paused"
	LoopCancelled = "cancelled"
	LoopCompleted = "completed"
	LoopFailed    = "failed"
)

// Agent session statuses.
const (
	SessionActive    = "active"
	SessionComplete  = "complete"
	SessionError     = "error"
	SessionCancelled = "cancelled"
)

// Loop event types published on the event bus.
const (
	EventStarted        = "started"
	EventStoryStarted   = "story_started"
	EventStoryCompleted = "story_completed"
	EventStoryFailed    = "story_failed"
	EventPaused         = "paused"
	EventResumed        = "resumed"
	EventCancelled      = "cancelled"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventLoopDone       = "loop_done"
	EventHeartbeat      = "heartbeat"
)

// Iteration log outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeSkipped   = "skipped"
)

// Story priorities, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultMaxAttempts         = 3
	DefaultEventBuffer         = 256
	DefaultSessionBuffer       = 2000
	DefaultSessionRetentionSec = 600
	DefaultHeartbeatSec        = 15
	DefaultSnapshotListLimit   = 50
	DefaultPort                = 3548
)

// IsActiveLoopStatus reports whether a loop in this status owns its scope.
func IsActiveLoopStatus(status string) bool {
	return status == LoopRunning || status == LoopPaused
}

// IsTerminalLoopStatus reports whether the loop has stopped iterating for good.
func IsTerminalLoopStatus(status string) bool {
	switch status {
	case LoopCancelled, LoopCompleted, LoopFailed:
		return true
	}
	return false
}

// PriorityRank maps a priority to a sortable rank; higher is more urgent.
// Unknown values rank with medium.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// NormalizePriority returns p if it is a known priority, otherwise medium.
func NormalizePriority(p string) string {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p
	}
	return PriorityMedium
}
