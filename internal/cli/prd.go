package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/airgap/maude-sub003/internal/prd"
	"github.com/airgap/maude-sub003/pkg/models"
)

func newPRDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prd",
		Short: "Work with backlog documents",
	}
	cmd.AddCommand(newPRDImportCmd())
	cmd.AddCommand(newPRDValidateCmd())
	return cmd
}

// readBacklog reads and validates a backlog file locally so malformed documents fail before
// anything is sent to the daemon.
func readBacklog(path, format string) ([]byte, prd.Format, *prd.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", nil, err
	}
	f := prd.Format(format)
	if f == "" {
		f = prd.FormatFromPath(path)
	}
	doc, err := prd.Parse(data, f)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, f, doc, nil
}

func newPRDImportCmd() *cobra.Command {
	var workspace, prdID, format string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create stories from a YAML, TOML or JSON backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, f, _, err := readBacklog(args[0], format)
			if err != nil {
				return err
			}
			ws, err := workspaceArg(workspace)
			if err != nil {
				return err
			}
			res, err := apiClient(cmd).ImportPRD(cmd.Context(), models.ImportPRDRequest{
				WorkspacePath: ws,
				PRDID:         optionalString(prdID),
				Format:        string(f),
				Content:       string(data),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, res)
			}
			_, _ = fmt.Fprintf(out, "Imported %d stories", len(res.Stories))
			if res.PRDID != nil {
				_, _ = fmt.Fprintf(out, " into PRD %s", *res.PRDID)
			}
			_, _ = fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().StringVar(&prdID, "prd", "", "PRD id (default: the document's id)")
	cmd.Flags().StringVar(&format, "format", "", "yaml, toml or json (default: from the file extension)")
	return cmd
}

func newPRDValidateCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a backlog document without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, doc, err := readBacklog(args[0], format)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d stories\n", len(doc.Stories))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "yaml, toml or json (default: from the file extension)")
	return cmd
}
