package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/clinic-crm/internal/export"
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare two VIP snapshots",
	Long: `Reports entrants, churned members, retained members and tier changes
between two snapshots. Without flags the two most recent snapshots are
compared; --prior alone compares that snapshot with the latest.

Examples:
  diff
  diff --prior 2025-11-10 --current 2025-11-17 -o vip_diff.xlsx`,
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().String("prior", "", "date of the earlier snapshot (YYYY-MM-DD)")
	diffCmd.Flags().String("current", "", "date of the later snapshot (YYYY-MM-DD, default latest)")
	addOutputFlags(diffCmd)
	rootCmd.AddCommand(diffCmd)
}

func runDiff(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	prior, err := dateFlag(cmd, "prior")
	if err != nil {
		return err
	}
	current, err := dateFlag(cmd, "current")
	if err != nil {
		return err
	}
	if prior.IsZero() && !current.IsZero() {
		return eris.New("--current needs --prior")
	}

	p, closeStore, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	d, err := p.Diff(ctx, prior, current)
	if err != nil {
		return err
	}
	return writeOutput(cmd, []export.Table{export.DiffTable(d)}, d)
}
