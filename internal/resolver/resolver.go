// Package resolver picks the next eligible story from a backlog.
package resolver

import (
	"sort"

	"github.com/airgap/maude-sub003/pkg/models"
)

// Reason explains why Next returned no story.
type Reason string

const (
	ReasonReady     Reason = "ready"
	ReasonExhausted Reason = "exhausted" // no pending stories left
	ReasonBlocked   Reason = "blocked"   // pending stories remain, none has its dependencies met
)

// Result is the outcome of Next. Story is nil unless Reason is ReasonReady.
type Result struct {
	Story  *models.Story
	Reason Reason
	// BlockedBy maps each pending but ineligible story to the dependency ids holding it back.
	BlockedBy map[string][]string
}

// Next selects the pending story with the lowest sort_order whose dependencies are all
// completed. Ties go to the higher priority, then the lower id. A dependency on an id missing
// from stories is unmet. Pending stories whose retry budget is spent are never selected.
func Next(stories []models.Story) Result {
	status := make(map[string]string, len(stories))
	for _, s := range stories {
		status[s.ID] = s.Status
	}

	var eligible []*models.Story
	blocked := map[string][]string{}
	pending := 0
	for i := range stories {
		s := &stories[i]
		if s.Status != models.StoryPending {
			continue
		}
		pending++
		if s.MaxAttempts > 0 && s.Attempts >= s.MaxAttempts {
			blocked[s.ID] = []string{}
			continue
		}
		var unmet []string
		for _, dep := range s.DependsOn {
			if status[dep.StoryID] != models.StoryCompleted {
				unmet = append(unmet, dep.StoryID)
			}
		}
		if len(unmet) > 0 {
			blocked[s.ID] = unmet
			continue
		}
		eligible = append(eligible, s)
	}

	if len(eligible) == 0 {
		if pending == 0 {
			return Result{Reason: ReasonExhausted}
		}
		return Result{Reason: ReasonBlocked, BlockedBy: blocked}
	}
	sort.SliceStable(eligible, func(i, j int) bool { return less(eligible[i], eligible[j]) })
	picked := *eligible[0]
	return Result{Story: &picked, Reason: ReasonReady, BlockedBy: blocked}
}

func less(a, b *models.Story) bool {
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	if pa, pb := models.PriorityRank(a.Priority), models.PriorityRank(b.Priority); pa != pb {
		return pa > pb
	}
	return a.ID < b.ID
}

// Ready returns every eligible story in selection order, as served by story list --ready.
func Ready(stories []models.Story) []models.Story {
	var out []models.Story
	remaining := stories
	for {
		res := Next(remaining)
		if res.Story == nil {
			return out
		}
		out = append(out, *res.Story)
		next := make([]models.Story, 0, len(remaining))
		for _, s := range remaining {
			if s.ID == res.Story.ID {
				// Marked as taken so it is skipped without unblocking its dependents.
				s.Status = models.StoryInProgress
			}
			next = append(next, s)
		}
		remaining = next
	}
}
