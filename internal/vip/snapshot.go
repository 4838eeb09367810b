// Package vip builds dated VIP membership snapshots and diffs them.
package vip

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/clinic-crm/internal/config"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
)

// Builder selects VIP members from a master.
type Builder struct {
	minRevenue decimal.Decimal
	windowDays int
	baseTier   string
	tiers      model.MembershipTable
}

// NewBuilder creates a snapshot builder from VIP config.
func NewBuilder(cfg config.VIPConfig) (*Builder, error) {
	if cfg.WindowDays < 0 {
		return nil, eris.New("vip: window_days must be >= 0")
	}
	if cfg.BaseTier == "" {
		return nil, eris.New("vip: base_tier is required")
	}
	return &Builder{
		minRevenue: decimal.NewFromInt(cfg.MinRevenue),
		windowDays: cfg.WindowDays,
		baseTier:   cfg.BaseTier,
		tiers:      cfg.MembershipTable(),
	}, nil
}

// Criteria describes the membership rule, stored on each snapshot.
func (b *Builder) Criteria() string {
	s := fmt.Sprintf("revenue>=%s|window=%dd|base=%s", b.minRevenue, b.windowDays, b.baseTier)
	for _, t := range b.tiers {
		s += fmt.Sprintf("|%s>=%s", t.Label, t.MinRevenue)
	}
	return s
}

// Snapshot selects every patient whose revenue meets the threshold or who
// visited within the window ending at asOf. Members are sorted by key.
func (b *Builder) Snapshot(m *registry.Master, asOf time.Time) model.Snapshot {
	asOf = model.Day(asOf)
	criteria := b.Criteria()
	snap := model.Snapshot{
		ID:       SnapshotID(asOf, criteria),
		Date:     asOf,
		Criteria: criteria,
		Members:  []model.SnapshotMember{},
	}
	if m == nil {
		return snap
	}
	for _, r := range m.Records() {
		if !b.qualifies(r, asOf) {
			continue
		}
		tier, ok := b.tiers.Classify(r.Revenue)
		if !ok {
			tier = b.baseTier
		}
		snap.Members = append(snap.Members, model.SnapshotMember{
			Key:       r.Key,
			Name:      r.Name,
			Tier:      tier,
			Revenue:   r.Revenue,
			LastVisit: r.LastVisit,
		})
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].Key < snap.Members[j].Key })
	return snap
}

func (b *Builder) qualifies(r model.MasterRecord, asOf time.Time) bool {
	if r.Revenue.GreaterThanOrEqual(b.minRevenue) {
		return true
	}
	days, ok := r.DaysSinceLastVisit(asOf)
	return ok && days >= 0 && days <= b.windowDays
}

// SnapshotID derives a stable id from the snapshot date and criteria.
func SnapshotID(date time.Time, criteria string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(date.Format("2006-01-02")+"|"+criteria)).String()
}

// Series is an append-only list of snapshots in strictly increasing date
// order.
type Series struct {
	snaps []model.Snapshot
}

// NewSeries builds a series from stored snapshots, which must already be
// in increasing date order.
func NewSeries(snaps ...model.Snapshot) (*Series, error) {
	s := &Series{}
	for _, snap := range snaps {
		if err := s.Append(snap); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append adds snap to the end of the series. It never replaces an existing
// snapshot: a date on or before the latest one is ErrSnapshotOrder.
func (s *Series) Append(snap model.Snapshot) error {
	if latest, ok := s.Latest(); ok && !snap.Date.After(latest.Date) {
		return eris.Wrapf(model.ErrSnapshotOrder, "vip: snapshot %s is not after %s",
			snap.Date.Format("2006-01-02"), latest.Date.Format("2006-01-02"))
	}
	s.snaps = append(s.snaps, snap.Clone())
	return nil
}

// Len returns the number of snapshots.
func (s *Series) Len() int { return len(s.snaps) }

// Latest returns the most recent snapshot.
func (s *Series) Latest() (model.Snapshot, bool) {
	if len(s.snaps) == 0 {
		return model.Snapshot{}, false
	}
	return s.snaps[len(s.snaps)-1].Clone(), true
}

// At returns the snapshot taken on date.
func (s *Series) At(date time.Time) (model.Snapshot, bool) {
	date = model.Day(date)
	for _, snap := range s.snaps {
		if snap.Date.Equal(date) {
			return snap.Clone(), true
		}
	}
	return model.Snapshot{}, false
}

// All returns copies of every snapshot in date order.
func (s *Series) All() []model.Snapshot {
	out := make([]model.Snapshot, len(s.snaps))
	for i, snap := range s.snaps {
		out[i] = snap.Clone()
	}
	return out
}
