// Package kpi rolls the patient master's visit ledger into period metrics.
package kpi

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
)

// UnspecifiedPurpose labels visits with a blank purpose.
const UnspecifiedPurpose = "unspecified"

// Metrics are the headline numbers for one period.
type Metrics struct {
	Visits            int             `json:"visits"`
	ActivePatients    int             `json:"active_patients"`
	NewPatients       int             `json:"new_patients"`
	ReturningPatients int             `json:"returning_patients"`
	Revenue           decimal.Decimal `json:"revenue"`
	ARPU              decimal.Decimal `json:"arpu"`
}

// MonthRow is Metrics for one calendar month clipped to the report period.
type MonthRow struct {
	Month string `json:"month"` // YYYY-MM
	Metrics
	Purposes []PurposeShare `json:"purposes"`
}

// PurposeShare is the visit count for one visit purpose.
type PurposeShare struct {
	Purpose string  `json:"purpose"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// Report is the KPI rollup for [Start, End].
type Report struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Metrics
	Months   []MonthRow     `json:"months"`
	Purposes []PurposeShare `json:"purposes"`
}

// Aggregate computes KPIs for the inclusive period [start, end]. A period
// with no activity yields zero metrics, and so does one whose end precedes
// its start.
func Aggregate(m *registry.Master, start, end time.Time) *Report {
	start, end = model.Day(start), model.Day(end)
	r := &Report{Start: start, End: end, Months: []MonthRow{}, Purposes: []PurposeShare{}}
	r.Metrics = zeroMetrics()
	if m == nil || end.Before(start) {
		return r
	}

	recs := m.Records()
	r.Metrics = aggregate(recs, start, end)

	for ms := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !ms.After(end); ms = ms.AddDate(0, 1, 0) {
		lo, hi := ms, ms.AddDate(0, 1, -1)
		if lo.Before(start) {
			lo = start
		}
		if hi.After(end) {
			hi = end
		}
		r.Months = append(r.Months, MonthRow{
			Month:    model.MonthKey(ms),
			Metrics:  aggregate(recs, lo, hi),
			Purposes: purposes(recs, lo, hi),
		})
	}

	r.Purposes = purposes(recs, start, end)
	return r
}

func zeroMetrics() Metrics {
	return Metrics{Revenue: decimal.Zero, ARPU: decimal.Zero}
}

func aggregate(recs []model.MasterRecord, start, end time.Time) Metrics {
	out := zeroMetrics()
	for _, r := range recs {
		days := make(map[time.Time]bool)
		for _, v := range r.Visits {
			if !model.InPeriod(v.Date, start, end) {
				continue
			}
			days[v.Date] = true
			out.Revenue = out.Revenue.Add(v.Amount)
		}
		for _, a := range r.Adjustments {
			if model.InPeriod(a.Date, start, end) {
				out.Revenue = out.Revenue.Add(a.Amount)
			}
		}
		if len(days) == 0 {
			continue
		}
		out.Visits += len(days)
		out.ActivePatients++
		if !r.FirstSeen.IsZero() && model.InPeriod(r.FirstSeen, start, end) {
			out.NewPatients++
		}
	}
	out.ReturningPatients = out.ActivePatients - out.NewPatients
	if out.ActivePatients > 0 {
		out.ARPU = out.Revenue.Div(decimal.NewFromInt(int64(out.ActivePatients))).Round(2)
	}
	return out
}

// purposes counts each purpose once per patient and visit day, matching how
// Visits counts days.
func purposes(recs []model.MasterRecord, start, end time.Time) []PurposeShare {
	type visitPurpose struct {
		day     time.Time
		purpose string
	}
	counts := make(map[string]int)
	total := 0
	for _, r := range recs {
		seen := make(map[visitPurpose]bool)
		for _, v := range r.Visits {
			if !model.InPeriod(v.Date, start, end) {
				continue
			}
			p := v.Purpose
			if p == "" {
				p = UnspecifiedPurpose
			}
			k := visitPurpose{day: v.Date, purpose: p}
			if seen[k] {
				continue
			}
			seen[k] = true
			counts[p]++
			total++
		}
	}
	out := make([]PurposeShare, 0, len(counts))
	for p, c := range counts {
		pct, _ := decimal.NewFromInt(int64(c) * 100).Div(decimal.NewFromInt(int64(total))).Round(1).Float64()
		out = append(out, PurposeShare{Purpose: p, Count: c, Percent: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Purpose < out[j].Purpose
	})
	return out
}
