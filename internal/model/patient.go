// Package model defines the patient registry, batch, and snapshot types
// shared by the reconciliation, scoring, and reporting packages.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// IdentityKey is the canonical deduplication key for a patient.
// Keys are prefixed by the identity they were derived from:
// "tel:" (phone), "nb:" (name + birth date), "nc:" (name + chart number).
type IdentityKey string

// RecordKind distinguishes ordinary sales from explicit corrections.
type RecordKind string

const (
	RecordKindSale       RecordKind = "sale"
	RecordKindCorrection RecordKind = "correction"
)

// RawRecord is one transactional observation from a batch export.
type RawRecord struct {
	Row        int             `json:"row"`
	BatchID    string          `json:"batch_id"`
	Name       string          `json:"name"`
	Phone      string          `json:"phone,omitempty"`
	BirthDate  time.Time       `json:"birth_date,omitempty"`
	ChartNo    string          `json:"chart_no,omitempty"`
	VisitDate  time.Time       `json:"visit_date"`
	Gross      decimal.Decimal `json:"gross"`
	Discount   decimal.Decimal `json:"discount"`
	Refund     decimal.Decimal `json:"refund"`
	Receivable decimal.Decimal `json:"receivable"`
	Tags       []string        `json:"tags,omitempty"`
	Staff      string          `json:"staff,omitempty"`
	Purpose    string          `json:"purpose,omitempty"`
	Kind       RecordKind      `json:"kind,omitempty"`
}

// NetAmount returns gross - discount + refund - receivable.
func (r RawRecord) NetAmount() decimal.Decimal {
	return r.Gross.Sub(r.Discount).Add(r.Refund).Sub(r.Receivable)
}

// IsCorrection reports whether the record is an explicit revenue correction.
func (r RawRecord) IsCorrection() bool {
	return r.Kind == RecordKindCorrection
}

// RawBatch is one reporting period's export.
type RawBatch struct {
	ID          string            `json:"id"`
	PeriodStart time.Time         `json:"period_start,omitempty"`
	PeriodEnd   time.Time         `json:"period_end,omitempty"`
	Records     []RawRecord       `json:"records"`
	Rejected    []ValidationError `json:"rejected,omitempty"` // rows the source could not parse
}

// Visit is one sale observed for a patient.
type Visit struct {
	Date    time.Time       `json:"date"`
	Gross   decimal.Decimal `json:"gross"`
	Amount  decimal.Decimal `json:"amount"` // net
	Purpose string          `json:"purpose,omitempty"`
	Staff   string          `json:"staff,omitempty"`
	BatchID string          `json:"batch_id"`
}

// Adjustment is an explicit correction to cumulative revenue.
type Adjustment struct {
	Date    time.Time       `json:"date"`
	Amount  decimal.Decimal `json:"amount"`
	BatchID string          `json:"batch_id"`
	Row     int             `json:"row"`
}

// MasterRecord is the cumulative state of one patient.
type MasterRecord struct {
	Key                 IdentityKey     `json:"key"`
	Name                string          `json:"name"`
	Phone               string          `json:"phone,omitempty"`
	BirthDate           time.Time       `json:"birth_date,omitempty"`
	ChartNo             string          `json:"chart_no,omitempty"`
	Revenue             decimal.Decimal `json:"revenue"`
	VisitCount          int             `json:"visit_count"`
	FirstSeen           time.Time       `json:"first_seen"`
	LastVisit           time.Time       `json:"last_visit,omitempty"`
	FirstPurchaseAmount decimal.Decimal `json:"first_purchase_amount"`
	FirstPurchaseDate   time.Time       `json:"first_purchase_date,omitempty"`
	Tags                TagSet          `json:"tags,omitempty"`
	VIPTier             string          `json:"vip_tier,omitempty"`
	Staff               string          `json:"staff,omitempty"`
	LastBatchID         string          `json:"last_batch_id"`
	AppliedBatches      []string        `json:"applied_batches,omitempty"`
	Visits              []Visit         `json:"visits,omitempty"`
	Adjustments         []Adjustment    `json:"adjustments,omitempty"`
}

// AveragePurchase returns revenue / visit count, or zero with no visits.
func (r MasterRecord) AveragePurchase() decimal.Decimal {
	if r.VisitCount == 0 {
		return decimal.Zero
	}
	return r.Revenue.Div(decimal.NewFromInt(int64(r.VisitCount)))
}

// HasApplied reports whether batchID has already been applied to the record.
func (r MasterRecord) HasApplied(batchID string) bool {
	i := sort.SearchStrings(r.AppliedBatches, batchID)
	return i < len(r.AppliedBatches) && r.AppliedBatches[i] == batchID
}

// MarkApplied records batchID as applied and makes it the last-updated batch.
func (r *MasterRecord) MarkApplied(batchID string) {
	r.LastBatchID = batchID
	if r.HasApplied(batchID) {
		return
	}
	r.AppliedBatches = append(r.AppliedBatches, batchID)
	sort.Strings(r.AppliedBatches)
}

// HasVisitOn reports whether a visit is already recorded on the given day.
func (r MasterRecord) HasVisitOn(day time.Time) bool {
	for _, v := range r.Visits {
		if v.Date.Equal(day) {
			return true
		}
	}
	return false
}

// DaysSinceLastVisit returns whole days between the last visit and asOf.
// ok is false when the patient has no recorded visit.
func (r MasterRecord) DaysSinceLastVisit(asOf time.Time) (int, bool) {
	if r.LastVisit.IsZero() {
		return 0, false
	}
	return DaysBetween(r.LastVisit, asOf), true
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (r MasterRecord) Clone() MasterRecord {
	c := r
	c.Tags = append(TagSet(nil), r.Tags...)
	c.AppliedBatches = append([]string(nil), r.AppliedBatches...)
	c.Visits = append([]Visit(nil), r.Visits...)
	c.Adjustments = append([]Adjustment(nil), r.Adjustments...)
	return c
}

// PurchaseStatus classifies the patient's buying pattern.
type PurchaseStatus string

const (
	PurchaseStatusFull    PurchaseStatus = "full"
	PurchaseStatusPartial PurchaseStatus = "partial"
	PurchaseStatusLapsed  PurchaseStatus = "lapsed"
)

// PurchaseStatusAt classifies a record as lapsed (no visit within lapseDays),
// partial (average purchase below partialRatio of the first purchase), or full.
func (r MasterRecord) PurchaseStatusAt(asOf time.Time, lapseDays int, partialRatio float64) PurchaseStatus {
	days, ok := r.DaysSinceLastVisit(asOf)
	if !ok || days > lapseDays {
		return PurchaseStatusLapsed
	}
	threshold := r.FirstPurchaseAmount.Mul(decimal.NewFromFloat(partialRatio))
	if r.AveragePurchase().LessThan(threshold) {
		return PurchaseStatusPartial
	}
	return PurchaseStatusFull
}
