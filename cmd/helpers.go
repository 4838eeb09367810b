package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/clinic-crm/internal/export"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/pipeline"
	"github.com/sells-group/clinic-crm/internal/store"
)

// openPipeline opens the configured store and wraps it in a pipeline. The
// returned func closes the store.
func openPipeline(ctx context.Context) (*pipeline.Pipeline, func(), error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, eris.Wrap(err, "open store")
	}
	return pipeline.New(cfg, st), func() { _ = st.Close() }, nil
}

func addOutputFlags(c *cobra.Command) {
	c.Flags().String("format", "", "output format: table, csv, xlsx, yaml or json (default from --output extension, else table)")
	c.Flags().StringP("output", "o", "", "output file path (default: stdout)")
}

// writeOutput renders tables (or v for yaml/json) per --format and --output.
func writeOutput(cmd *cobra.Command, tables []export.Table, v interface{}) error {
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	f, err := export.ParseFormat(format, output)
	if err != nil {
		return err
	}
	return export.WriteFile(output, f, tables, v)
}

// dateFlag parses a date flag. An unset flag is the zero time.
func dateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := model.ParseDate(v)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "--%s", name)
	}
	return t, nil
}

// monthRange returns the first and last day of a YYYY-MM month.
func monthRange(month string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Errorf("invalid month %q (want YYYY-MM)", month)
	}
	return start, start.AddDate(0, 1, -1), nil
}
