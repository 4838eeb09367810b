package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/clinic-crm/internal/export"
)

var kpiCmd = &cobra.Command{
	Use:   "kpi",
	Short: "Roll the visit ledger into period KPIs",
	Long: `Reports visits, active, new and returning patients, net revenue and
ARPU for an inclusive date range, with a monthly breakdown and the
visit-purpose distribution.

Examples:
  kpi --month 2025-11
  kpi --start 2025-09-01 --end 2025-11-30 -o kpi.xlsx`,
	RunE: runKPI,
}

func init() {
	f := kpiCmd.Flags()
	f.String("start", "", "first day of the period (YYYY-MM-DD)")
	f.String("end", "", "last day of the period (YYYY-MM-DD)")
	f.String("month", "", "calendar month YYYY-MM (instead of --start/--end)")
	addOutputFlags(kpiCmd)
	rootCmd.AddCommand(kpiCmd)
}

func runKPI(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	start, end, err := kpiPeriod(cmd)
	if err != nil {
		return err
	}

	p, closeStore, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := p.KPI(ctx, start, end)
	if err != nil {
		return err
	}
	return writeOutput(cmd, export.KPITables(report), report)
}

func kpiPeriod(cmd *cobra.Command) (start, end time.Time, err error) {
	if month, _ := cmd.Flags().GetString("month"); month != "" {
		if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
			return start, end, eris.New("--month cannot be combined with --start or --end")
		}
		return monthRange(month)
	}
	if start, err = dateFlag(cmd, "start"); err != nil {
		return start, end, err
	}
	if end, err = dateFlag(cmd, "end"); err != nil {
		return start, end, err
	}
	if start.IsZero() || end.IsZero() {
		return start, end, eris.New("either --month or both --start and --end are required")
	}
	return start, end, nil
}
