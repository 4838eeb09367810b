package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MembershipTier is one revenue floor of the VIP tier table.
type MembershipTier struct {
	Label      string          `json:"label"`
	MinRevenue decimal.Decimal `json:"min_revenue"`
}

// MembershipTable is ordered by MinRevenue, highest first.
type MembershipTable []MembershipTier

// NewMembershipTable sorts tiers highest floor first.
func NewMembershipTable(tiers ...MembershipTier) MembershipTable {
	t := append(MembershipTable(nil), tiers...)
	sort.SliceStable(t, func(i, j int) bool {
		return t[i].MinRevenue.GreaterThan(t[j].MinRevenue)
	})
	return t
}

// Classify returns the label of the highest tier whose floor revenue meets.
func (t MembershipTable) Classify(revenue decimal.Decimal) (string, bool) {
	for _, tier := range t {
		if revenue.GreaterThanOrEqual(tier.MinRevenue) {
			return tier.Label, true
		}
	}
	return "", false
}

// SnapshotMember is one (identity, tier) pair of a VIP snapshot.
type SnapshotMember struct {
	Key       IdentityKey     `json:"key"`
	Name      string          `json:"name,omitempty"`
	Tier      string          `json:"tier"`
	Revenue   decimal.Decimal `json:"revenue"`
	LastVisit time.Time       `json:"last_visit,omitempty"`
}

// Snapshot is an immutable, dated VIP membership set.
type Snapshot struct {
	ID        string           `json:"id"`
	Date      time.Time        `json:"date"`
	CreatedAt time.Time        `json:"created_at"`
	Criteria  string           `json:"criteria"`
	Members   []SnapshotMember `json:"members"`
}

// Tiers indexes the snapshot by identity key.
func (s Snapshot) Tiers() map[IdentityKey]string {
	out := make(map[IdentityKey]string, len(s.Members))
	for _, m := range s.Members {
		out[m.Key] = m.Tier
	}
	return out
}

// Clone returns a copy that shares nothing with s.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Members = append([]SnapshotMember(nil), s.Members...)
	return c
}

// TagRow is one row of a patient tag export.
type TagRow struct {
	Row     int      `json:"row"`
	ChartNo string   `json:"chart_no,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Name    string   `json:"name,omitempty"`
	Tags    []string `json:"tags"`
}
