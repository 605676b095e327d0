package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airgap/maude-sub003/pkg/models"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list and restore git safety snapshots",
	}
	cmd.AddCommand(newSnapshotCreateCmd())
	cmd.AddCommand(newSnapshotListCmd())
	cmd.AddCommand(newSnapshotRestoreCmd())
	return cmd
}

func newSnapshotCreateCmd() *cobra.Command {
	var workspace, reason string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record the workspace's HEAD and uncommitted changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceArg(workspace)
			if err != nil {
				return err
			}
			snap, err := apiClient(cmd).CreateSnapshot(cmd.Context(), models.CreateSnapshotRequest{WorkspacePath: ws, Reason: reason})
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s at %s (changes: %t)\n", snap.ID, snap.HeadSHA, snap.HasChanges)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Why the snapshot was taken")
	return cmd
}

func newSnapshotListCmd() *cobra.Command {
	var (
		workspace string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a workspace's snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceArg(workspace)
			if err != nil {
				return err
			}
			snaps, err := apiClient(cmd).ListSnapshots(cmd.Context(), ws, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, snaps)
			}
			p := newPalette(out)
			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				head := s.HeadSHA
				if len(head) > 12 {
					head = head[:12]
				}
				changes := "no"
				if s.HasChanges {
					changes = "yes"
				}
				rows = append(rows, []string{s.ID, shortTime(s.CreatedAt), head, changes, s.Reason})
			}
			p.table(out, []string{"ID", "CREATED", "HEAD", "CHANGES", "REASON"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum snapshots to list (default 50)")
	return cmd
}

func newSnapshotRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore SNAPSHOT_ID",
		Short: "Reset the workspace to a snapshot and reapply its changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := apiClient(cmd).RestoreSnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, res)
			}
			p := newPalette(out)
			_, _ = fmt.Fprintf(out, "Restored %s to %s\n", res.SnapshotID, res.HeadSHA)
			if res.Conflict {
				_, _ = fmt.Fprintln(out, p.warn.Render("Uncommitted changes could not be reapplied: "+res.Message))
			}
			return nil
		},
	}
}
