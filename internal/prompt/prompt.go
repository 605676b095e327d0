// Package prompt renders the instruction handed to the agent for one story attempt.
package prompt

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"github.com/airgap/maude-sub003/pkg/models"
)

// Input is everything a story prompt is built from.
type Input struct {
	Story models.Story
	// Progress is the tail of the workspace progress journal, oldest first.
	Progress string
	// Budget caps the prompt size in tokens. Zero means unlimited.
	Budget int
}

// Counter counts tokens. Falls back to a 4-chars-per-token estimate when the codec is unavailable.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter returns a counter using the cl100k encoding, which approximates Claude tokenization.
func NewCounter() *Counter {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return &Counter{}
	}
	return &Counter{codec: codec}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Builder renders prompts within a token budget.
type Builder struct {
	Counter *Counter
}

// NewBuilder returns a Builder with a cl100k counter.
func NewBuilder() *Builder {
	return &Builder{Counter: NewCounter()}
}

// Build renders the prompt. When over budget it drops the oldest learnings first, then the
// progress notes. The story itself is never truncated.
func (b *Builder) Build(in Input) string {
	learnings := in.Story.Learnings
	progress := in.Progress
	out := render(in.Story, learnings, progress)
	if in.Budget <= 0 {
		return out
	}
	for b.Counter.Count(out) > in.Budget {
		switch {
		case len(learnings) > 0:
			learnings = learnings[1:]
		case progress != "":
			progress = ""
		default:
			return out
		}
		out = render(in.Story, learnings, progress)
	}
	return out
}

func render(s models.Story, learnings []string, progress string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Story: %s\n\n", s.Title)
	if d := strings.TrimSpace(s.Description); d != "" {
		sb.WriteString(d)
		sb.WriteString("\n\n")
	}
	if len(s.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance criteria\n\n")
		for _, ac := range s.AcceptanceCriteria {
			mark := " "
			if ac.Passed {
				mark = "x"
			}
			fmt.Fprintf(&sb, "- [%s] %s\n", mark, ac.Description)
		}
		sb.WriteString("\n")
	}
	if len(learnings) > 0 {
		sb.WriteString("## Learnings from previous attempts\n\n")
		for i, l := range learnings {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.TrimSpace(l))
		}
		sb.WriteString("\n")
	}
	if p := strings.TrimSpace(progress); p != "" {
		sb.WriteString("## Recent progress in this workspace\n\n")
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Instructions\n\n")
	sb.WriteString("Implement this story in the current workspace. Keep changes focused on the acceptance criteria. ")
	sb.WriteString("Do not commit, reset or stash; the orchestrator manages git state. ")
	sb.WriteString("When the work is complete, reply with a short summary of what changed.\n")
	return sb.String()
}
