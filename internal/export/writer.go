package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

// ParseFormat validates a --format value. An empty value is inferred from
// the output path extension, falling back to table.
func ParseFormat(s, path string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			return FormatCSV, nil
		case ".xlsx":
			return FormatXLSX, nil
		case ".yaml", ".yml":
			return FormatYAML, nil
		case ".json":
			return FormatJSON, nil
		}
		return FormatTable, nil
	}
	switch f := Format(s); f {
	case FormatTable, FormatCSV, FormatXLSX, FormatYAML, FormatJSON:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", eris.Errorf("export: unknown format %q (want table, csv, xlsx, yaml or json)", s)
}

// Write renders tables (or, for yaml and json, the value v) to w.
func Write(w io.Writer, f Format, tables []Table, v interface{}) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, tables...)
	case FormatXLSX:
		return WriteXLSX(w, tables...)
	case FormatYAML:
		return WriteYAML(w, v)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "export: json")
	default:
		return WriteText(w, tables...)
	}
}

// WriteFile writes to path, or to stdout when path is empty or "-".
func WriteFile(path string, f Format, tables []Table, v interface{}) error {
	if path == "" || path == "-" {
		if f == FormatXLSX {
			return eris.New("export: xlsx output needs --output")
		}
		return Write(os.Stdout, f, tables, v)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "export: create dir %s", dir)
		}
	}
	out, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := Write(out, f, tables, v); err != nil {
		_ = out.Close()
		return err
	}
	return eris.Wrapf(out.Close(), "export: close %s", path)
}

// WriteXLSX writes one sheet per table.
func WriteXLSX(w io.Writer, tables ...Table) error {
	file := xlsx.NewFile()
	used := make(map[string]bool)
	for _, t := range tables {
		sheet, err := file.AddSheet(sheetName(t.Name, used))
		if err != nil {
			return eris.Wrapf(err, "export: add sheet %q", t.Name)
		}
		header := sheet.AddRow()
		for _, c := range t.Columns {
			header.AddCell().SetString(c)
		}
		for _, r := range t.Rows {
			row := sheet.AddRow()
			for i, v := range r {
				cell := row.AddCell()
				if t.isNumeric(i) {
					if f, err := strconv.ParseFloat(v, 64); err == nil {
						cell.SetFloat(f)
						continue
					}
				}
				cell.SetString(v)
			}
		}
	}
	if len(tables) == 0 {
		if _, err := file.AddSheet("Sheet1"); err != nil {
			return eris.Wrap(err, "export: add sheet")
		}
	}
	return eris.Wrap(file.Write(w), "export: write xlsx")
}

// sheetName makes name a valid, unique worksheet name: at most 31 runes
// and none of : \ / ? * [ ].
func sheetName(name string, used map[string]bool) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		name = "Sheet"
	}
	base := truncate(name, 31)
	out := base
	for n := 2; used[strings.ToLower(out)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		out = truncate(base, 31-len(suffix)) + suffix
	}
	used[strings.ToLower(out)] = true
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// WriteCSV writes the tables one after another. With more than one table,
// each is preceded by a "# name" line and followed by a blank line.
func WriteCSV(w io.Writer, tables ...Table) error {
	cw := csv.NewWriter(w)
	for _, t := range tables {
		if len(tables) > 1 {
			if err := cw.Write([]string{"# " + t.Name}); err != nil {
				return eris.Wrap(err, "export: write csv")
			}
		}
		if err := cw.Write(t.Columns); err != nil {
			return eris.Wrap(err, "export: write csv header")
		}
		if err := cw.WriteAll(t.Rows); err != nil {
			return eris.Wrap(err, "export: write csv rows")
		}
		if len(tables) > 1 {
			if err := cw.Write(nil); err != nil {
				return eris.Wrap(err, "export: write csv")
			}
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteText writes the tables as aligned columns for a terminal.
func WriteText(w io.Writer, tables ...Table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, t := range tables {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "== %s (%d rows)\n", t.Name, len(t.Rows))
		fmt.Fprintln(tw, strings.Join(t.Columns, "\t"))
		for _, r := range t.Rows {
			fmt.Fprintln(tw, strings.Join(r, "\t"))
		}
	}
	return eris.Wrap(tw.Flush(), "export: write table")
}

// WriteYAML writes v as block-style YAML using its json field names.
func WriteYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "export: marshal")
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "export: convert to yaml")
	}
	blockStyle(&doc)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return eris.Wrap(err, "export: write yaml")
	}
	return eris.Wrap(enc.Close(), "export: close yaml")
}

// blockStyle clears the flow and quoting styles inherited from JSON. The
// encoder re-quotes any string that would otherwise read as another type.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
