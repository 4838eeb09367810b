// Package reconcile folds raw transaction batches and tag exports into the
// patient master.
package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/config"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
	"github.com/sells-group/clinic-crm/internal/resolve"
)

// Status summarizes how a batch was applied.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusNoop    Status = "noop"
)

// AmbiguousRecord is a raw record held back for manual review.
type AmbiguousRecord struct {
	Record     model.RawRecord     `json:"record"`
	Candidates []model.IdentityKey `json:"candidates"`
	Reason     string              `json:"reason"`
}

// Err wraps ErrAmbiguousMatch with the row and candidates.
func (a AmbiguousRecord) Err() error {
	return eris.Wrapf(model.ErrAmbiguousMatch, "row %d: %s (%s)", a.Record.Row, a.Reason, joinKeys(a.Candidates))
}

// Summary is the structured result of one Reconcile call.
type Summary struct {
	BatchID          string                  `json:"batch_id"`
	Status           Status                  `json:"status"`
	Duplicate        bool                    `json:"duplicate"`
	Rows             int                     `json:"rows"`
	Applied          int                     `json:"applied"`
	Corrections      int                     `json:"corrections"`
	NewPatients      int                     `json:"new_patients"`
	UpdatedPatients  int                     `json:"updated_patients"`
	SkippedAmbiguous int                     `json:"skipped_ambiguous"`
	SkippedApplied   int                     `json:"skipped_applied"`
	Excluded         int                     `json:"excluded"`
	DuplicateRows    int                     `json:"duplicate_rows"`
	OverlapVisits    int                     `json:"overlap_visits"`
	Invalid          []model.ValidationError `json:"invalid,omitempty"`
	Ambiguous        []AmbiguousRecord       `json:"ambiguous,omitempty"`
	Version          int64                   `json:"version"`
}

// Err returns ErrDuplicateBatch for a batch that was already applied.
func (s *Summary) Err() error {
	if s.Duplicate {
		return eris.Wrapf(model.ErrDuplicateBatch, "batch %s", s.BatchID)
	}
	return nil
}

// Reconciler applies batches to a master. It is the master's only writer.
type Reconciler struct {
	cfg      config.ReconcileConfig
	tiers    model.MembershipTable
	deposits []decimal.Decimal
	excluded map[string]bool

	// Now stamps ledger entries. Defaults to time.Now.
	Now func() time.Time
}

// New creates a reconciler for the given rules and VIP tier table.
func New(cfg config.ReconcileConfig, tiers model.MembershipTable) *Reconciler {
	r := &Reconciler{
		cfg:      cfg,
		tiers:    tiers,
		excluded: make(map[string]bool, len(cfg.ExcludedNames)),
		Now:      time.Now,
	}
	for _, d := range cfg.DepositAmounts {
		r.deposits = append(r.deposits, decimal.NewFromInt(d))
	}
	for _, n := range cfg.ExcludedNames {
		if n = resolve.NormalizeName(n); n != "" {
			r.excluded[n] = true
		}
	}
	return r
}

// Reconcile folds batch into m.
//
// A batch id already in the master's ledger is a no-op: the summary comes
// back with Duplicate set and m is untouched. Otherwise every record is
// validated and resolved before its patient is mutated, and ambiguous or
// invalid records are reported without stopping the batch.
func (r *Reconciler) Reconcile(batch model.RawBatch, m *registry.Master) (*Summary, error) {
	if m == nil {
		return nil, eris.New("reconcile: nil master")
	}
	if strings.TrimSpace(batch.ID) == "" {
		return nil, eris.New("reconcile: batch id is required")
	}

	log := zap.L().With(zap.String("component", "reconcile"), zap.String("batch", batch.ID))

	sum := &Summary{BatchID: batch.ID, Rows: len(batch.Records) + len(batch.Rejected), Version: m.Version}
	if m.HasBatch(batch.ID) {
		sum.Status = StatusNoop
		sum.Duplicate = true
		log.Info("batch already applied, skipping")
		return sum, nil
	}

	sum.Invalid = append(sum.Invalid, batch.Rejected...)

	records := append([]model.RawRecord(nil), batch.Records...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].VisitDate.Before(records[j].VisitDate)
	})

	seen := make(map[string]bool, len(records))
	created := make(map[model.IdentityKey]bool)
	updated := make(map[model.IdentityKey]bool)

	for _, rec := range records {
		rec.BatchID = batch.ID

		if r.isExcluded(rec) {
			sum.Excluded++
			continue
		}

		fp := fingerprint(rec)
		if seen[fp] {
			sum.DuplicateRows++
			continue
		}
		seen[fp] = true

		if verr := validate(rec); verr != nil {
			sum.Invalid = append(sum.Invalid, *verr)
			continue
		}

		match := resolve.Resolve(rec, m)
		switch match.Kind {
		case resolve.Ambiguous:
			sum.Ambiguous = append(sum.Ambiguous, AmbiguousRecord{Record: rec, Candidates: match.Candidates, Reason: match.Reason})
			continue
		case resolve.Unmatched:
			if match.Key == "" {
				sum.Invalid = append(sum.Invalid, model.ValidationError{Row: rec.Row, Field: "identity", Reason: "no phone, birth date, or chart number to derive a key"})
				continue
			}
			if rec.IsCorrection() {
				sum.Invalid = append(sum.Invalid, model.ValidationError{Row: rec.Row, Field: "identity", Reason: "correction for unknown patient"})
				continue
			}
			next := r.newRecord(rec, match.Key)
			r.apply(&next, rec, sum)
			m.Put(next)
			created[next.Key] = true
			continue
		}

		cur, _ := m.Get(match.Key)
		if cur.HasApplied(batch.ID) && !created[cur.Key] && !updated[cur.Key] {
			sum.SkippedApplied++
			continue
		}
		if !rec.IsCorrection() && overlaps(cur, rec) {
			sum.OverlapVisits++
			continue
		}
		r.fillIdentity(&cur, rec, m)
		r.apply(&cur, rec, sum)
		m.Put(cur)
		if !created[cur.Key] {
			updated[cur.Key] = true
		}
	}

	sum.NewPatients = len(created)
	sum.UpdatedPatients = len(updated)
	sum.SkippedAmbiguous = len(sum.Ambiguous)

	mutated := sum.Applied+sum.Corrections > 0
	switch {
	case len(sum.Invalid) > 0 || len(sum.Ambiguous) > 0 || sum.SkippedApplied > 0:
		sum.Status = StatusPartial
	case !mutated:
		sum.Status = StatusNoop
	default:
		sum.Status = StatusOK
	}

	if mutated {
		now := r.Now()
		m.RecordBatch(registry.BatchEntry{
			ID:          batch.ID,
			PeriodStart: batch.PeriodStart,
			PeriodEnd:   batch.PeriodEnd,
			Records:     sum.Applied + sum.Corrections,
			AppliedAt:   now,
		})
		m.Bump(now)
	}
	sum.Version = m.Version

	log.Info("batch reconciled",
		zap.String("status", string(sum.Status)),
		zap.Int("applied", sum.Applied),
		zap.Int("corrections", sum.Corrections),
		zap.Int("new", sum.NewPatients),
		zap.Int("updated", sum.UpdatedPatients),
		zap.Int("ambiguous", sum.SkippedAmbiguous),
		zap.Int("invalid", len(sum.Invalid)),
		zap.Int("excluded", sum.Excluded),
	)
	return sum, nil
}

func (r *Reconciler) isExcluded(rec model.RawRecord) bool {
	if r.excluded[resolve.NormalizeName(rec.Name)] {
		return true
	}
	staff := strings.TrimSpace(rec.Staff)
	purpose := strings.TrimSpace(rec.Purpose)
	for _, rule := range r.cfg.ExcludedVisits {
		if rule.Purpose != "" && !strings.EqualFold(rule.Purpose, purpose) {
			continue
		}
		if len(rule.Staff) == 0 {
			return true
		}
		for _, s := range rule.Staff {
			if strings.TrimSpace(s) == staff {
				return true
			}
		}
	}
	return false
}

func validate(rec model.RawRecord) *model.ValidationError {
	if rec.VisitDate.IsZero() {
		return &model.ValidationError{Row: rec.Row, Field: "visit_date", Reason: "missing"}
	}
	if !rec.IsCorrection() && rec.NetAmount().IsNegative() {
		return &model.ValidationError{Row: rec.Row, Field: "amount", Reason: fmt.Sprintf("negative net %s on a sale", rec.NetAmount())}
	}
	return nil
}

func (r *Reconciler) newRecord(rec model.RawRecord, key model.IdentityKey) model.MasterRecord {
	return model.MasterRecord{
		Key:       key,
		Name:      strings.TrimSpace(rec.Name),
		Phone:     resolve.NormalizePhone(rec.Phone),
		BirthDate: model.Day(rec.BirthDate),
		ChartNo:   resolve.NormalizeChartNo(rec.ChartNo),
		FirstSeen: model.Day(rec.VisitDate),
	}
}

// fillIdentity completes blank identity fields on an existing patient.
func (r *Reconciler) fillIdentity(cur *model.MasterRecord, rec model.RawRecord, m *registry.Master) {
	if cur.Name == "" {
		cur.Name = strings.TrimSpace(rec.Name)
	}
	if cur.Phone == "" {
		if phone := resolve.NormalizePhone(rec.Phone); phone != "" {
			if _, taken := m.ByPhone(phone); !taken {
				cur.Phone = phone
			}
		}
	}
	if cur.BirthDate.IsZero() {
		cur.BirthDate = model.Day(rec.BirthDate)
	}
	if cur.ChartNo == "" {
		cur.ChartNo = resolve.NormalizeChartNo(rec.ChartNo)
	}
}

// apply mutates rec's patient in place. Callers Put the result.
func (r *Reconciler) apply(cur *model.MasterRecord, rec model.RawRecord, sum *Summary) {
	day := model.Day(rec.VisitDate)
	net := rec.NetAmount()

	if rec.IsCorrection() {
		cur.Revenue = cur.Revenue.Add(net)
		cur.Adjustments = append(cur.Adjustments, model.Adjustment{Date: day, Amount: net, BatchID: rec.BatchID, Row: rec.Row})
		sum.Corrections++
	} else {
		if !cur.HasVisitOn(day) {
			cur.VisitCount++
		}
		if rec.Staff != "" && !day.Before(cur.LastVisit) {
			cur.Staff = strings.TrimSpace(rec.Staff)
		}
		if day.After(cur.LastVisit) {
			cur.LastVisit = day
		}
		if cur.FirstSeen.IsZero() || day.Before(cur.FirstSeen) {
			cur.FirstSeen = day
		}
		cur.Revenue = cur.Revenue.Add(net)
		cur.Visits = append(cur.Visits, model.Visit{
			Date:    day,
			Gross:   rec.Gross,
			Amount:  net,
			Purpose: strings.TrimSpace(rec.Purpose),
			Staff:   strings.TrimSpace(rec.Staff),
			BatchID: rec.BatchID,
		})
		sort.SliceStable(cur.Visits, func(i, j int) bool { return cur.Visits[i].Date.Before(cur.Visits[j].Date) })
		cur.FirstPurchaseAmount, cur.FirstPurchaseDate = r.firstPurchase(cur.Visits)
		sum.Applied++
	}

	cur.Tags = cur.Tags.Union(rec.Tags...)
	if label, ok := r.tiers.Classify(cur.Revenue); ok {
		cur.VIPTier = label
	} else {
		cur.VIPTier = ""
	}
	cur.MarkApplied(rec.BatchID)
}

// firstPurchase returns the first positive sale, skipping booking deposits
// when a later purchase exists.
func (r *Reconciler) firstPurchase(visits []model.Visit) (decimal.Decimal, time.Time) {
	var first *model.Visit
	for i := range visits {
		v := &visits[i]
		if !v.Amount.IsPositive() {
			continue
		}
		if first == nil {
			first = v
		}
		if !r.isDeposit(v.Amount) {
			return v.Amount, v.Date
		}
	}
	if first == nil {
		return decimal.Zero, time.Time{}
	}
	return first.Amount, first.Date
}

func (r *Reconciler) isDeposit(amount decimal.Decimal) bool {
	for _, d := range r.deposits {
		if amount.Equal(d) {
			return true
		}
	}
	return false
}

// overlaps reports whether rec repeats a visit another batch already
// recorded, as happens when export periods overlap.
func overlaps(cur model.MasterRecord, rec model.RawRecord) bool {
	day := model.Day(rec.VisitDate)
	net := rec.NetAmount()
	for _, v := range cur.Visits {
		if v.BatchID == rec.BatchID || !v.Date.Equal(day) {
			continue
		}
		if v.Amount.Equal(net) && v.Gross.Equal(rec.Gross) &&
			v.Purpose == strings.TrimSpace(rec.Purpose) && v.Staff == strings.TrimSpace(rec.Staff) {
			return true
		}
	}
	return false
}

func fingerprint(rec model.RawRecord) string {
	return strings.Join([]string{
		resolve.NormalizeName(rec.Name),
		resolve.NormalizePhone(rec.Phone),
		rec.BirthDate.Format("20060102"),
		resolve.NormalizeChartNo(rec.ChartNo),
		rec.VisitDate.Format("20060102"),
		rec.Gross.String(),
		rec.Discount.String(),
		rec.Refund.String(),
		rec.Receivable.String(),
		strings.Join(rec.Tags, ","),
		rec.Staff,
		rec.Purpose,
		string(rec.Kind),
	}, "\x1f")
}

func joinKeys(keys []model.IdentityKey) string {
	s := make([]string, len(keys))
	for i, k := range keys {
		s[i] = string(k)
	}
	return strings.Join(s, ", ")
}
