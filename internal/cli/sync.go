package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/airgap/maude-sub003/pkg/models"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import and sync stories with issue trackers",
	}
	cmd.AddCommand(newSyncProvidersCmd())
	cmd.AddCommand(newSyncTestCmd())
	cmd.AddCommand(newSyncImportCmd())
	cmd.AddCommand(newSyncRefreshCmd())
	cmd.AddCommand(newSyncPushCmd())
	return cmd
}

func newSyncProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List tracker providers and whether they are configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := apiClient(cmd).Providers(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, ps)
			}
			p := newPalette(out)
			rows := make([][]string, 0, len(ps))
			for _, info := range ps {
				state := p.muted.Render("not configured")
				if info.Configured {
					state = p.ok.Render("configured")
				}
				rows = append(rows, []string{info.ID, state})
			}
			p.table(out, []string{"PROVIDER", "STATE"}, rows)
			return nil
		},
	}
}

func newSyncTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test PROVIDER",
		Short: "Check a provider's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).TestProvider(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
}

func newSyncImportCmd() *cobra.Command {
	var (
		req       models.ImportRequest
		workspace string
		prdID     string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create stories from a tracker project's issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceArg(workspace)
			if err != nil {
				return err
			}
			req.WorkspacePath = ws
			req.PRDID = optionalString(prdID)
			res, err := apiClient(cmd).Import(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, res)
			}
			_, _ = fmt.Fprintf(out, "Imported %d, skipped %d\n", res.Imported, res.Skipped)
			writeItemErrors(out, newPalette(out), res.Errors)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Provider, "provider", "", "Tracker provider (jira, linear, asana, github)")
	cmd.Flags().StringVar(&req.ProjectKey, "project", "", "Project key in the tracker")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().StringVar(&prdID, "prd", "", "PRD the imported stories belong to")
	cmd.Flags().StringSliceVar(&req.FilterIDs, "ids", nil, "Only import these issue ids")
	cmd.Flags().IntVar(&req.MaxResults, "max", 0, "Maximum issues to fetch")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newSyncRefreshCmd() *cobra.Command {
	var (
		req       models.RefreshRequest
		workspace string
		prdID     string
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Pull tracker state into linked stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.StoryID == "" {
				ws, err := workspaceArg(workspace)
				if err != nil {
					return err
				}
				req.WorkspacePath = ws
				req.PRDID = optionalString(prdID)
			}
			res, err := apiClient(cmd).Refresh(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, res)
			}
			_, _ = fmt.Fprintf(out, "Refreshed %d, status changed %d\n", res.Refreshed, res.StatusChanged)
			writeItemErrors(out, newPalette(out), res.Errors)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.StoryID, "story", "", "Refresh one story")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().StringVar(&prdID, "prd", "", "Restrict to one PRD")
	return cmd
}

func newSyncPushCmd() *cobra.Command {
	var req models.PushStatusRequest
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a story's status to its tracker issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).PushStatus(cmd.Context(), req); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s for story %s\n", req.Status, req.StoryID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.StoryID, "story", "", "Story id")
	cmd.Flags().StringVar(&req.Status, "status", "", "in_progress, completed or failed")
	cmd.Flags().StringVar(&req.Evidence, "evidence", "", "Comment to attach")
	_ = cmd.MarkFlagRequired("story")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func writeItemErrors(w io.Writer, p palette, errs []models.ItemError) {
	for _, e := range errs {
		id := e.ExternalID
		if id == "" {
			id = e.StoryID
		}
		_, _ = fmt.Fprintf(w, "  %s %s\n", p.bad.Render(id), e.Error)
	}
}
