// Package export renders reconcile, scoring, VIP and KPI results as tables
// and writes them as XLSX workbooks, CSV, YAML or aligned text.
package export

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/clinic-crm/internal/kpi"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/reconcile"
	"github.com/sells-group/clinic-crm/internal/scorer"
	"github.com/sells-group/clinic-crm/internal/vip"
)

// Table is one named grid of cells. Numeric lists column indexes that the
// XLSX writer stores as numbers.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]string
	Numeric []int
}

func (t Table) isNumeric(col int) bool {
	for _, c := range t.Numeric {
		if c == col {
			return true
		}
	}
	return false
}

func day(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func money(d decimal.Decimal) string { return d.StringFixed(0) }

func itoa(n int) string { return strconv.Itoa(n) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }

var scoreColumns = []string{
	"key", "name", "phone", "staff", "tier", "score", "revenue", "visit_count",
	"last_visit", "days_since_visit", "purchase_status", "vip_tier", "tags", "dormant",
}

func scoreRow(r scorer.Record) []string {
	days := ""
	if !r.LastVisit.IsZero() {
		days = itoa(r.DaysSinceVisit)
	}
	return []string{
		string(r.Key), r.Name, r.Phone, r.Staff, r.Tier, ftoa(r.Score),
		money(r.Revenue), itoa(r.VisitCount), day(r.LastVisit), days,
		string(r.PurchaseStatus), r.VIPTier, strings.Join(r.Tags, ", "),
		strconv.FormatBool(r.Dormant),
	}
}

func scoreTable(name string, records []scorer.Record) Table {
	t := Table{Name: name, Columns: scoreColumns, Numeric: []int{5, 6, 7, 9}}
	for _, r := range records {
		t.Rows = append(t.Rows, scoreRow(r))
	}
	return t
}

// ScoreTables lays out a scoring report: every record, one table per staff
// segment, the follow-up targets, and the weights used.
func ScoreTables(r *scorer.Report) []Table {
	if r == nil {
		return nil
	}
	tables := []Table{scoreTable("All", r.Records)}
	for _, seg := range r.Segments {
		tables = append(tables, scoreTable(seg.Staff, seg.Records))
	}

	targets := Table{Name: "Targets", Columns: scoreColumns, Numeric: []int{5, 6, 7, 9}}
	for _, seg := range r.Segments {
		for _, rec := range seg.Targets {
			targets.Rows = append(targets.Rows, scoreRow(rec))
		}
	}
	tables = append(tables, targets)

	weights := Table{Name: "Weights", Columns: []string{"feature", "weight"}, Numeric: []int{1}}
	for _, f := range scorer.Features {
		weights.Rows = append(weights.Rows, []string{f, strconv.FormatFloat(r.Weights[f], 'f', 4, 64)})
	}
	weights.Rows = append(weights.Rows,
		[]string{"source", r.WeightSource},
		[]string{"population", itoa(r.Population)},
		[]string{"master_version", strconv.FormatInt(r.MasterVersion, 10)},
		[]string{"run_id", r.RunID},
	)
	return append(tables, weights)
}

// DiffTable lists every member of a VIP diff with its status.
func DiffTable(r *vip.DiffReport) Table {
	t := Table{Name: "VIP Diff", Columns: []string{"key", "name", "status", "from", "to"}}
	if r == nil {
		return t
	}
	for _, e := range r.Entries() {
		t.Rows = append(t.Rows, []string{string(e.Key), e.Name, e.Status, e.From, e.To})
	}
	return t
}

// SnapshotTable lists the members of one VIP snapshot.
func SnapshotTable(s model.Snapshot) Table {
	t := Table{
		Name:    "VIP " + day(s.Date),
		Columns: []string{"key", "name", "tier", "revenue", "last_visit"},
		Numeric: []int{3},
	}
	for _, m := range s.Members {
		t.Rows = append(t.Rows, []string{string(m.Key), m.Name, m.Tier, money(m.Revenue), day(m.LastVisit)})
	}
	return t
}

var kpiColumns = []string{"period", "visits", "active_patients", "new_patients", "returning_patients", "revenue", "arpu"}

func kpiRow(period string, m kpi.Metrics) []string {
	return []string{
		period, itoa(m.Visits), itoa(m.ActivePatients), itoa(m.NewPatients),
		itoa(m.ReturningPatients), money(m.Revenue), m.ARPU.StringFixed(2),
	}
}

// KPITables lays out a KPI report. Purpose counts appear for the whole
// period and again per month.
func KPITables(r *kpi.Report) []Table {
	if r == nil {
		return nil
	}
	summary := Table{Name: "KPI", Columns: kpiColumns, Numeric: []int{1, 2, 3, 4, 5, 6}}
	summary.Rows = append(summary.Rows, kpiRow(day(r.Start)+" ~ "+day(r.End), r.Metrics))

	months := Table{Name: "Monthly", Columns: kpiColumns, Numeric: []int{1, 2, 3, 4, 5, 6}}
	for _, m := range r.Months {
		months.Rows = append(months.Rows, kpiRow(m.Month, m.Metrics))
	}

	purposes := Table{Name: "Purposes", Columns: []string{"purpose", "count", "percent"}, Numeric: []int{1, 2}}
	for _, p := range r.Purposes {
		purposes.Rows = append(purposes.Rows, []string{p.Purpose, itoa(p.Count), ftoa(p.Percent)})
	}

	monthly := Table{Name: "Monthly Purposes", Columns: []string{"month", "purpose", "count", "percent"}, Numeric: []int{2, 3}}
	for _, m := range r.Months {
		for _, p := range m.Purposes {
			monthly.Rows = append(monthly.Rows, []string{m.Month, p.Purpose, itoa(p.Count), ftoa(p.Percent)})
		}
	}
	return []Table{summary, months, purposes, monthly}
}

// SummaryTables lays out a reconcile summary as counters, rejected rows and
// the ambiguous review queue.
func SummaryTables(s *reconcile.Summary) []Table {
	if s == nil {
		return nil
	}
	counts := Table{Name: "Summary", Columns: []string{"metric", "value"}, Numeric: []int{1}}
	counts.Rows = [][]string{
		{"batch_id", s.BatchID},
		{"status", string(s.Status)},
		{"rows", itoa(s.Rows)},
		{"applied", itoa(s.Applied)},
		{"corrections", itoa(s.Corrections)},
		{"new_patients", itoa(s.NewPatients)},
		{"updated_patients", itoa(s.UpdatedPatients)},
		{"skipped_ambiguous", itoa(s.SkippedAmbiguous)},
		{"skipped_applied", itoa(s.SkippedApplied)},
		{"excluded", itoa(s.Excluded)},
		{"duplicate_rows", itoa(s.DuplicateRows)},
		{"overlap_visits", itoa(s.OverlapVisits)},
		{"invalid", itoa(len(s.Invalid))},
		{"version", strconv.FormatInt(s.Version, 10)},
	}

	invalid := Table{Name: "Invalid", Columns: []string{"row", "field", "reason"}, Numeric: []int{0}}
	for _, v := range s.Invalid {
		invalid.Rows = append(invalid.Rows, []string{itoa(v.Row), v.Field, v.Reason})
	}

	review := Table{Name: "Review", Columns: []string{"row", "name", "phone", "visit_date", "candidates", "reason"}, Numeric: []int{0}}
	for _, a := range s.Ambiguous {
		keys := make([]string, len(a.Candidates))
		for i, k := range a.Candidates {
			keys[i] = string(k)
		}
		review.Rows = append(review.Rows, []string{
			itoa(a.Record.Row), a.Record.Name, a.Record.Phone, day(a.Record.VisitDate),
			strings.Join(keys, " | "), a.Reason,
		})
	}
	return []Table{counts, invalid, review}
}

// TagTables lays out a tag merge summary and its unmatched rows.
func TagTables(s *reconcile.TagSummary) []Table {
	if s == nil {
		return nil
	}
	counts := Table{Name: "Tags", Columns: []string{"metric", "value"}, Numeric: []int{1}}
	counts.Rows = [][]string{
		{"status", string(s.Status)},
		{"rows", itoa(s.Rows)},
		{"matched", itoa(s.Matched)},
		{"updated", itoa(s.Updated)},
		{"empty", itoa(s.Empty)},
		{"unmatched", itoa(len(s.Unmatched))},
		{"ambiguous", itoa(len(s.Ambiguous))},
		{"version", strconv.FormatInt(s.Version, 10)},
	}
	unmatched := Table{Name: "Unmatched", Columns: []string{"row", "chart_no", "phone", "name", "tags"}, Numeric: []int{0}}
	for _, r := range s.Unmatched {
		unmatched.Rows = append(unmatched.Rows, []string{itoa(r.Row), r.ChartNo, r.Phone, r.Name, strings.Join(r.Tags, ", ")})
	}
	return []Table{counts, unmatched}
}
