package batch

import (
	"context"
	"io"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinic-crm/internal/fetcher"
	"github.com/sells-group/clinic-crm/internal/model"
)

// ParseTags converts a tag export (header first) into tag rows. The export
// needs a tag column and at least one of chart number or phone.
func ParseTags(rows [][]string) ([]model.TagRow, error) {
	if len(rows) == 0 {
		return nil, eris.Wrap(model.ErrMissingColumn, "batch: empty tag export, no header")
	}
	h, err := MapHeader(rows[0], ColTags)
	if err != nil {
		return nil, err
	}
	if !h.Has(ColChartNo) && !h.Has(ColPhone) {
		return nil, eris.Wrap(model.ErrMissingColumn, "batch: tag export needs chart_no or phone")
	}

	out := make([]model.TagRow, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		out = append(out, model.TagRow{
			Row:     i + 2,
			ChartNo: h.Get(row, ColChartNo),
			Phone:   h.Get(row, ColPhone),
			Name:    h.Get(row, ColName),
			Tags:    model.SplitTags(h.Get(row, ColTags)),
		})
	}
	return out, nil
}

// LoadTags reads a tag export file.
func LoadTags(ctx context.Context, path, encoding string) ([]model.TagRow, error) {
	rows, err := fetcher.ReadFile(ctx, path, encoding)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read %s", path)
	}
	return ParseTags(rows)
}

// ReadTags parses a tag export CSV stream.
func ReadTags(ctx context.Context, r io.Reader, encoding string) ([]model.TagRow, error) {
	rows, err := fetcher.ReadCSV(ctx, r, fetcher.CSVOptions{Encoding: encoding, LazyQuotes: true, TrimSpace: true})
	if err != nil {
		return nil, eris.Wrap(err, "batch: read tags")
	}
	return ParseTags(rows)
}

// LatestTagFile returns the lexically greatest file in dir matching pattern.
// Tag exports carry a timestamp ("환자정보_2025-11-17T09_07_01.128.csv"), so
// the greatest name is the newest export.
func LatestTagFile(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", eris.Wrapf(err, "batch: bad tag pattern %q", pattern)
	}
	if len(matches) == 0 {
		return "", eris.Errorf("batch: no tag export matching %q in %s", pattern, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
