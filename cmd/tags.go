package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/batch"
	"github.com/sells-group/clinic-crm/internal/export"
)

var tagsCmd = &cobra.Command{
	Use:   "tags [file]",
	Short: "Merge a patient tag export into the master",
	Long: `Unions the tags of a patient information export into existing patients.
Rows match by chart number first, then by phone and name. Unknown patients
are reported, never created. With no argument the newest export matching
batch.tag_pattern in the data directory is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTags,
}

func init() {
	tagsCmd.Flags().String("encoding", "", "source encoding: auto, utf-8, cp949, euc-kr (default from config)")
	addOutputFlags(tagsCmd)
	rootCmd.AddCommand(tagsCmd)
}

func runTags(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		latest, err := batch.LatestTagFile(cfg.Batch.DataDir, cfg.Batch.TagPattern)
		if err != nil {
			return err
		}
		path = latest
	}

	encoding, _ := cmd.Flags().GetString("encoding")
	if encoding == "" {
		encoding = cfg.Batch.Encoding
	}
	rows, err := batch.LoadTags(ctx, path, encoding)
	if err != nil {
		return err
	}

	p, closeStore, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sum, err := p.MergeTags(ctx, rows)
	if err != nil {
		return err
	}
	zap.L().Info("tags merged",
		zap.String("file", path),
		zap.String("status", string(sum.Status)),
		zap.Int("updated", sum.Updated),
		zap.Int("unmatched", len(sum.Unmatched)),
		zap.Int("ambiguous", len(sum.Ambiguous)),
	)
	return writeOutput(cmd, export.TagTables(sum), sum)
}
