package export

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/clinic-crm/internal/kpi"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/reconcile"
	"github.com/sells-group/clinic-crm/internal/scorer"
	"github.com/sells-group/clinic-crm/internal/vip"
)

func sampleScoreReport() *scorer.Report {
	a := scorer.Record{
		Key: "k1", Name: "김민지", Staff: "원장A", Tier: "A1", Score: 91.5,
		Revenue: decimal.NewFromInt(1_200_000), VisitCount: 3,
		LastVisit:      time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC),
		DaysSinceVisit: 7, PurchaseStatus: model.PurchaseStatusFull,
		Tags: model.TagSet{"lung"},
	}
	b := scorer.Record{
		Key: "k2", Name: "이서준", Staff: "원장B", Tier: "D", Score: 10,
		Revenue: decimal.NewFromInt(50_000), VisitCount: 1, DaysSinceVisit: -1,
		PurchaseStatus: model.PurchaseStatusLapsed, Dormant: true,
	}
	return &scorer.Report{
		RunID:        "run-1",
		Population:   2,
		WeightSource: "fallback",
		Weights:      scorer.Weights{scorer.FeatureNetRevenue: 1},
		Records:      []scorer.Record{a, b},
		Segments: []scorer.Segment{
			{Staff: "원장A", Records: []scorer.Record{a}},
			{Staff: "원장B", Records: []scorer.Record{b}, Targets: []scorer.Record{b}},
		},
	}
}

func TestScoreTables(t *testing.T) {
	tables := ScoreTables(sampleScoreReport())
	require.Len(t, tables, 5)
	assert.Equal(t, "All", tables[0].Name)
	assert.Len(t, tables[0].Rows, 2)
	assert.Equal(t, "원장A", tables[1].Name)
	assert.Equal(t, "원장B", tables[2].Name)
	assert.Equal(t, "Targets", tables[3].Name)
	require.Len(t, tables[3].Rows, 1)
	assert.Equal(t, "Weights", tables[4].Name)

	row := tables[0].Rows[0]
	assert.Equal(t, []string{"k1", "김민지", "", "원장A", "A1", "91.50", "1200000", "3", "2025-11-10", "7", "full", "", "lung", "false"}, row)
	// Never-visited patients leave days blank.
	assert.Equal(t, "", tables[0].Rows[1][9])
	// A same-day visit shows zero days, not a blank.
	sameDay := scoreRow(scorer.Record{LastVisit: time.Date(2025, 11, 17, 0, 0, 0, 0, time.UTC)})
	assert.Equal(t, "0", sameDay[9])

	assert.Nil(t, ScoreTables(nil))
}

func TestDiffTable(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 11, d, 0, 0, 0, 0, time.UTC) }
	prior := model.Snapshot{Date: day(1), Members: []model.SnapshotMember{
		{Key: "A", Tier: "VIP"}, {Key: "B", Tier: "VIP"}, {Key: "C", Tier: "VIP"},
	}}
	current := model.Snapshot{Date: day(8), Members: []model.SnapshotMember{
		{Key: "B", Tier: "VIP"}, {Key: "C", Tier: "VVIP"}, {Key: "D", Tier: "VIP", Name: "D님"},
	}}
	r, err := vip.Diff(prior, current)
	require.NoError(t, err)

	tbl := DiffTable(r)
	statuses := map[string]string{}
	for _, row := range tbl.Rows {
		statuses[row[0]] = row[2]
	}
	assert.Equal(t, map[string]string{
		"A": vip.EntryChurned, "B": vip.EntryRetained, "C": vip.EntryTierChanged, "D": vip.EntryNew,
	}, statuses)
	assert.Empty(t, DiffTable(nil).Rows)
}

func TestKPITables(t *testing.T) {
	r := &kpi.Report{
		Start:   time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC),
		Metrics: kpi.Metrics{Visits: 4, Revenue: decimal.NewFromInt(400), ARPU: decimal.NewFromInt(200)},
		Months: []kpi.MonthRow{{Month: "2025-11", Purposes: []kpi.PurposeShare{
			{Purpose: "시술", Count: 3, Percent: 75},
		}}},
		Purposes: []kpi.PurposeShare{
			{Purpose: "시술", Count: 3, Percent: 75},
		},
	}
	tables := KPITables(r)
	require.Len(t, tables, 4)
	assert.Equal(t, []string{"2025-11-01 ~ 2025-11-30", "4", "0", "0", "0", "400", "200.00"}, tables[0].Rows[0])
	assert.Equal(t, "2025-11", tables[1].Rows[0][0])
	assert.Equal(t, []string{"시술", "3", "75.00"}, tables[2].Rows[0])
	assert.Equal(t, "Monthly Purposes", tables[3].Name)
	assert.Equal(t, []string{"2025-11", "시술", "3", "75.00"}, tables[3].Rows[0])
}

func TestSummaryTables(t *testing.T) {
	s := &reconcile.Summary{
		BatchID: "b1", Status: reconcile.StatusPartial, Rows: 3, Applied: 1,
		Invalid: []model.ValidationError{{Row: 4, Field: "gross", Reason: "bad"}},
		Ambiguous: []reconcile.AmbiguousRecord{{
			Record:     model.RawRecord{Row: 2, Name: "김민지"},
			Candidates: []model.IdentityKey{"k1", "k2"},
			Reason:     "phone shared",
		}},
	}
	tables := SummaryTables(s)
	require.Len(t, tables, 3)
	assert.Equal(t, []string{"status", "partial"}, tables[0].Rows[1])
	assert.Equal(t, []string{"4", "gross", "bad"}, tables[1].Rows[0])
	assert.Equal(t, "k1 | k2", tables[2].Rows[0][4])
}

func TestTagTables(t *testing.T) {
	s := &reconcile.TagSummary{Status: reconcile.StatusOK, Rows: 2, Matched: 1,
		Unmatched: []model.TagRow{{Row: 3, ChartNo: "99", Tags: []string{"a", "b"}}}}
	tables := TagTables(s)
	require.Len(t, tables, 2)
	assert.Equal(t, []string{"3", "99", "", "", "a, b"}, tables[1].Rows[0])
}

func TestWriteXLSX_OneSheetPerTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "scores.xlsx")
	require.NoError(t, WriteFile(path, FormatXLSX, ScoreTables(sampleScoreReport()), nil))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 5)
	assert.Equal(t, "All", f.Sheets[0].Name)
	assert.Equal(t, "원장A", f.Sheets[1].Name)

	cell := f.Sheets[0].Rows[1].Cells[5]
	v, err := cell.Float()
	require.NoError(t, err)
	assert.InDelta(t, 91.5, v, 1e-9)
	assert.Equal(t, "김민지", f.Sheets[0].Rows[1].Cells[1].String())
}

func TestSheetName(t *testing.T) {
	used := map[string]bool{}
	assert.Equal(t, "a_b", sheetName("a/b", used))
	assert.Equal(t, "a_b (2)", sheetName("a:b", used))
	assert.Equal(t, "Sheet", sheetName("  ", used))
	long := strings.Repeat("가", 40)
	assert.Len(t, []rune(sheetName(long, used)), 31)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	one := Table{Name: "x", Columns: []string{"a", "b"}, Rows: [][]string{{"1", "2,3"}}}
	require.NoError(t, WriteCSV(&buf, one))
	assert.Equal(t, "a,b\n1,\"2,3\"\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteCSV(&buf, one, Table{Name: "y", Columns: []string{"c"}}))
	assert.Equal(t, "# x\na,b\n1,\"2,3\"\n\n# y\nc\n\n", buf.String())
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, Table{Name: "t", Columns: []string{"a", "bb"}, Rows: [][]string{{"1", "2"}}}))
	out := buf.String()
	assert.Contains(t, out, "== t (1 rows)")
	assert.Contains(t, out, "a  bb")
}

func TestWriteYAML_UsesJSONNames(t *testing.T) {
	var buf bytes.Buffer
	s := &reconcile.Summary{BatchID: "2025-11-10_2025-11-17", Status: reconcile.StatusOK, Applied: 2}
	require.NoError(t, WriteYAML(&buf, s))

	out := buf.String()
	assert.Contains(t, out, "batch_id: 2025-11-10_2025-11-17")
	assert.Contains(t, out, "status: ok")
	assert.NotContains(t, out, "{")

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, 2, back["applied"])
	assert.Equal(t, "2025-11-10_2025-11-17", back["batch_id"])
}

func TestWriteYAML_KeepsNumericStringsAsStrings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, map[string]interface{}{"revenue": decimal.NewFromInt(1200)}))

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "1200", back["revenue"])
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in, path string
		want     Format
		err      bool
	}{
		{"", "", FormatTable, false},
		{"", "r.xlsx", FormatXLSX, false},
		{"", "r.yml", FormatYAML, false},
		{"", "r.csv", FormatCSV, false},
		{"JSON", "", FormatJSON, false},
		{"yml", "", FormatYAML, false},
		{"pdf", "", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in, tt.path)
		if tt.err {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestWriteFile_XLSXNeedsPath(t *testing.T) {
	assert.Error(t, WriteFile("", FormatXLSX, nil, nil))
}
