package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/export"
	"github.com/sells-group/clinic-crm/internal/scorer"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score patients and build per-staff follow-up lists",
	Long: `Scores every patient in the master on net revenue, visit count, average
purchase and recency. Feature weights are derived from the data on each run
(falling back to scoring.fallback_weights for small populations), scores are
banded into tiers, and patients are grouped by assigned staff.

Examples:
  # Print the ranked list
  score

  # One sheet per staff member plus targets and weights
  score --as-of 2025-11-17 -o crm_scores.xlsx

  # Persist the run, then re-export it later
  score --save
  score --latest --format csv -o latest.csv`,
	RunE: runScore,
}

func init() {
	f := scoreCmd.Flags()
	f.String("as-of", "", "scoring date YYYY-MM-DD (default: today in the clinic time zone)")
	f.Bool("save", false, "save the run to the store")
	f.Bool("latest", false, "export the most recently saved run instead of scoring")
	addOutputFlags(scoreCmd)
	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("scoring"); err != nil {
		return err
	}
	log := zap.L().With(zap.String("command", "score"))

	asOf, err := dateFlag(cmd, "as-of")
	if err != nil {
		return err
	}
	save, _ := cmd.Flags().GetBool("save")
	latest, _ := cmd.Flags().GetBool("latest")
	if latest && (save || !asOf.IsZero()) {
		return eris.New("--latest cannot be combined with --save or --as-of")
	}

	p, closeStore, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var report *scorer.Report
	if latest {
		report, err = p.LatestScore(ctx)
		if err == nil && report == nil {
			err = eris.New("no saved score run")
		}
	} else {
		report, err = p.Score(ctx, asOf, save)
	}
	if err != nil {
		return err
	}

	log.Info("scoring complete",
		zap.String("run_id", report.RunID),
		zap.Int("population", report.Population),
		zap.String("weights", report.WeightSource),
		zap.Int("segments", len(report.Segments)),
		zap.Bool("saved", save),
	)
	return writeOutput(cmd, export.ScoreTables(report), report)
}
