package batch

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/clinic-crm/internal/fetcher"
	"github.com/sells-group/clinic-crm/internal/model"
)

// weeklyName matches "2025-11-10_2025-11-17_신규데이터.csv".
var weeklyName = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})_(\d{4}-\d{2}-\d{2})(?:_.*)?$`)

// File is one discovered export file.
type File struct {
	Path        string    `json:"path"`
	ID          string    `json:"id"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
}

// ParseName derives the batch id and period from a weekly export filename.
// Names without a period use the base name as id and leave the period zero.
func ParseName(path string) (File, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	f := File{Path: path, ID: stem}

	m := weeklyName.FindStringSubmatch(stem)
	if m == nil {
		return f, nil
	}
	start, err := model.ParseDate(m[1])
	if err != nil {
		return f, eris.Wrapf(err, "batch: period start in %s", base)
	}
	end, err := model.ParseDate(m[2])
	if err != nil {
		return f, eris.Wrapf(err, "batch: period end in %s", base)
	}
	if end.Before(start) {
		return f, eris.Errorf("batch: period end before start in %s", base)
	}
	f.ID = m[1] + "_" + m[2]
	f.PeriodStart, f.PeriodEnd = start, end
	return f, nil
}

// Discover lists weekly transaction exports in dir, ordered by period start
// then id. Files without a period in their name are skipped.
func Discover(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read dir %s", dir)
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".csv", ".xlsx":
		default:
			continue
		}
		f, err := ParseName(filepath.Join(dir, e.Name()))
		if err != nil {
			zap.L().Warn("batch: skipping file with bad period", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if f.PeriodStart.IsZero() {
			continue
		}
		files = append(files, f)
	}
	SortFiles(files)
	return files, nil
}

// SortFiles orders files by period start, then id.
func SortFiles(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].PeriodStart.Equal(files[j].PeriodStart) {
			return files[i].PeriodStart.Before(files[j].PeriodStart)
		}
		return files[i].ID < files[j].ID
	})
}

// Load reads and parses one export file.
func Load(ctx context.Context, f File, encoding string) (model.RawBatch, error) {
	rows, err := fetcher.ReadFile(ctx, f.Path, encoding)
	if err != nil {
		return model.RawBatch{}, eris.Wrapf(err, "batch: read %s", f.Path)
	}
	return fromRows(rows, f)
}

// LoadAll reads files concurrently and returns their batches in the same
// order as files. Any structural failure aborts the whole load.
func LoadAll(ctx context.Context, files []File, encoding string, concurrency int) ([]model.RawBatch, error) {
	out := make([]model.RawBatch, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, f := range files {
		g.Go(func() error {
			b, err := Load(gctx, f, encoding)
			if err != nil {
				return err
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
