package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ReadFile reads a CSV or XLSX export by extension. encoding applies to
// CSV only; XLSX is always UTF-8.
func ReadFile(ctx context.Context, path, encoding string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f, CSVOptions{Encoding: encoding, LazyQuotes: true, TrimSpace: true})
	case ".xlsx":
		return ReadXLSX(path, XLSXOptions{TrimSpace: true})
	default:
		return nil, eris.Errorf("fetcher: unsupported file type %q", filepath.Ext(path))
	}
}
