package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/batch"
	"github.com/sells-group/clinic-crm/internal/export"
	"github.com/sells-group/clinic-crm/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [files...]",
	Short: "Apply weekly transaction exports to the patient master",
	Long: `Reads weekly exports named YYYY-MM-DD_YYYY-MM-DD_*.csv (or .xlsx) and
applies them to the patient master in period order. With no arguments every
weekly export in the data directory is considered; batches already applied
are skipped.

Examples:
  # Apply everything new in the data directory
  reconcile

  # Apply one export and keep the review queue as a workbook
  reconcile data/2025-11-10_2025-11-17_신규데이터.csv -o review.xlsx`,
	RunE: runReconcile,
}

func init() {
	f := reconcileCmd.Flags()
	f.String("dir", "", "directory to discover exports in (default from config batch.data_dir)")
	f.String("encoding", "", "source encoding: auto, utf-8, cp949, euc-kr (default from config)")
	addOutputFlags(reconcileCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := zap.L().With(zap.String("command", "reconcile"))

	files, err := batchFiles(cmd, args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Info("no weekly exports found")
		return nil
	}

	encoding, _ := cmd.Flags().GetString("encoding")
	if encoding == "" {
		encoding = cfg.Batch.Encoding
	}
	// Files are parsed in parallel, then applied one at a time in period order.
	batches, err := batch.LoadAll(ctx, files, encoding, cfg.Batch.Concurrency)
	if err != nil {
		return err
	}

	p, closeStore, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sums, err := p.Reconcile(ctx, batches...)
	if err != nil {
		return err
	}
	for _, s := range sums {
		log.Info("batch reconciled",
			zap.String("batch", s.BatchID),
			zap.String("status", string(s.Status)),
			zap.Int("applied", s.Applied),
			zap.Int("new", s.NewPatients),
			zap.Int("invalid", len(s.Invalid)),
			zap.Int("ambiguous", len(s.Ambiguous)),
		)
	}
	return writeOutput(cmd, reconcileTables(sums), sums)
}

// batchFiles resolves the file arguments, or discovers exports when none
// are given.
func batchFiles(cmd *cobra.Command, args []string) ([]batch.File, error) {
	if len(args) == 0 {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Batch.DataDir
		}
		return batch.Discover(dir)
	}
	files := make([]batch.File, 0, len(args))
	for _, a := range args {
		f, err := batch.ParseName(a)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	batch.SortFiles(files)
	return files, nil
}

func reconcileTables(sums []*reconcile.Summary) []export.Table {
	var out []export.Table
	for _, s := range sums {
		for _, t := range export.SummaryTables(s) {
			if len(sums) > 1 {
				t.Name = s.BatchID + " " + t.Name
			}
			out = append(out, t)
		}
	}
	return out
}
