package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/airgap/maude-sub003/pkg/client"
	"github.com/airgap/maude-sub003/pkg/models"
)

func newStoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "story",
		Short: "Manage backlog stories",
	}
	cmd.AddCommand(newStoryAddCmd())
	cmd.AddCommand(newStoryListCmd())
	cmd.AddCommand(newStoryShowCmd())
	cmd.AddCommand(newStoryResetCmd())
	cmd.AddCommand(newStoryResetFailedCmd())
	cmd.AddCommand(newStoryDeleteCmd())
	return cmd
}

func newStoryAddCmd() *cobra.Command {
	var (
		workspace string
		prdID     string
		s         models.Story
		criteria  []string
		dependsOn []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a pending story",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(s.Title) == "" {
				return fmt.Errorf("--title is required")
			}
			ws, err := workspaceArg(workspace)
			if err != nil {
				return err
			}
			s.WorkspacePath = ws
			s.PRDID = optionalString(prdID)
			for _, c := range criteria {
				s.AcceptanceCriteria = append(s.AcceptanceCriteria, models.AcceptanceCriterion{Description: c})
			}
			for _, id := range dependsOn {
				s.DependsOn = append(s.DependsOn, models.Dependency{StoryID: id})
			}
			created, err := apiClient(cmd).CreateStory(cmd.Context(), s)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), created)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added story %s (order %d)\n", created.ID, created.SortOrder)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().StringVar(&prdID, "prd", "", "PRD the story belongs to")
	cmd.Flags().StringVar(&s.Title, "title", "", "Story title")
	cmd.Flags().StringVar(&s.Description, "description", "", "Story description")
	cmd.Flags().StringVar(&s.Priority, "priority", "", "critical, high, medium or low")
	cmd.Flags().IntVar(&s.MaxAttempts, "max-attempts", 0, "Attempts before the story fails (default 3)")
	cmd.Flags().StringArrayVar(&criteria, "criterion", nil, "Acceptance criterion (repeatable)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Story ids this story waits for")
	return cmd
}

func newStoryListCmd() *cobra.Command {
	var (
		q         client.StoryQuery
		workspace string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all {
				ws, err := workspaceArg(workspace)
				if err != nil {
					return err
				}
				q.WorkspacePath = ws
			}
			stories, err := apiClient(cmd).ListStories(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, stories)
			}
			p := newPalette(out)
			rows := make([][]string, 0, len(stories))
			for _, s := range stories {
				ext := "-"
				if s.ExternalRef != nil {
					ext = s.ExternalRef.Provider + ":" + s.ExternalRef.ExternalID
				}
				rows = append(rows, []string{
					strconv.Itoa(s.SortOrder),
					s.ID,
					p.status(s.Status),
					s.Priority,
					fmt.Sprintf("%d/%d", s.Attempts, s.MaxAttempts),
					ext,
					truncate(s.Title, 50),
				})
			}
			p.table(out, []string{"#", "ID", "STATUS", "PRIORITY", "ATTEMPTS", "EXTERNAL", "TITLE"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().BoolVar(&all, "all", false, "List stories of every workspace")
	cmd.Flags().StringVar(&q.PRDID, "prd", "", "Filter by PRD")
	cmd.Flags().StringVar(&q.Status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&q.Provider, "provider", "", "Filter by tracker provider")
	cmd.Flags().BoolVar(&q.LinkedOnly, "linked", false, "Only stories linked to a tracker issue")
	cmd.Flags().BoolVar(&q.Ready, "ready", false, "Only stories a loop could start now, in pick order")
	cmd.MarkFlagsMutuallyExclusive("ready", "all")
	return cmd
}

func newStoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show STORY_ID",
		Short: "Show a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := apiClient(cmd).GetStory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, s)
			}
			p := newPalette(out)
			_, _ = fmt.Fprintf(out, "%s\n", p.header.Render(s.Title))
			_, _ = fmt.Fprintf(out, "ID        %s\n", s.ID)
			_, _ = fmt.Fprintf(out, "Status    %s (attempt %d of %d)\n", p.status(s.Status), s.Attempts, s.MaxAttempts)
			_, _ = fmt.Fprintf(out, "Priority  %s\n", s.Priority)
			_, _ = fmt.Fprintf(out, "Workspace %s\n", s.WorkspacePath)
			if s.ExternalRef != nil {
				_, _ = fmt.Fprintf(out, "External  %s %s %s (%s)\n", s.ExternalRef.Provider, s.ExternalRef.ExternalID, s.ExternalRef.ExternalURL, deref(s.ExternalStatus))
			}
			if s.CommitSHA != nil {
				_, _ = fmt.Fprintf(out, "Commit    %s\n", *s.CommitSHA)
			}
			if s.Description != "" {
				_, _ = fmt.Fprintf(out, "\n%s\n", s.Description)
			}
			if len(s.AcceptanceCriteria) > 0 {
				_, _ = fmt.Fprintln(out, "\nAcceptance criteria:")
				for _, ac := range s.AcceptanceCriteria {
					mark := "[ ]"
					if ac.Passed {
						mark = p.ok.Render("[x]")
					}
					_, _ = fmt.Fprintf(out, "  %s %s\n", mark, ac.Description)
				}
			}
			if len(s.DependsOn) > 0 {
				_, _ = fmt.Fprintf(out, "\nDepends on: %s\n", strings.Join(s.DependencyIDs(), ", "))
			}
			if len(s.Learnings) > 0 {
				_, _ = fmt.Fprintln(out, "\nLearnings:")
				for _, l := range s.Learnings {
					_, _ = fmt.Fprintf(out, "  - %s\n", l)
				}
			}
			return nil
		},
	}
}

func newStoryResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset STORY_ID",
		Short: "Return a story to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := apiClient(cmd).ResetStory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Story %s is %s\n", s.ID, s.Status)
			return nil
		},
	}
}

func newStoryResetFailedCmd() *cobra.Command {
	var (
		workspace string
		req       models.ResetFailedRequest
		prdID     string
	)
	cmd := &cobra.Command{
		Use:   "reset-failed",
		Short: "Reset every failed story in a scope, optionally restarting a loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceArg(workspace)
			if err != nil {
				return err
			}
			req.WorkspacePath = ws
			req.PRDID = optionalString(prdID)
			res, err := apiClient(cmd).ResetFailed(cmd.Context(), req)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reset %d stories\n", res.Reset)
			if res.LoopID != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Started loop %s\n", res.LoopID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().StringVar(&prdID, "prd", "", "Restrict to one PRD")
	cmd.Flags().BoolVar(&req.Restart, "restart", false, "Start a loop over the scope afterwards")
	return cmd
}

func newStoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete STORY_ID",
		Short: "Delete a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).DeleteStory(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted story %s\n", args[0])
			return nil
		},
	}
}
