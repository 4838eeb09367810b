package vip

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinic-crm/internal/model"
)

// TierChange is a retained member whose tier label moved.
type TierChange struct {
	Key  model.IdentityKey `json:"key"`
	From string            `json:"from"`
	To   string            `json:"to"`
}

// DiffReport is the set difference between two snapshots.
// TierChanged is a subset of Retained; the other groups are disjoint.
type DiffReport struct {
	PriorDate   time.Time           `json:"prior_date"`
	CurrentDate time.Time           `json:"current_date"`
	Entrants    []model.IdentityKey `json:"entrants"`
	Churned     []model.IdentityKey `json:"churned"`
	Retained    []model.IdentityKey `json:"retained"`
	TierChanged []TierChange        `json:"tier_changed"`

	names map[model.IdentityKey]string
}

// Diff compares prior with current. prior must be strictly earlier.
func Diff(prior, current model.Snapshot) (*DiffReport, error) {
	if !prior.Date.Before(current.Date) {
		return nil, eris.Wrapf(model.ErrSnapshotOrder, "vip: prior %s is not before current %s",
			prior.Date.Format("2006-01-02"), current.Date.Format("2006-01-02"))
	}

	before := prior.Tiers()
	after := current.Tiers()

	r := &DiffReport{
		PriorDate:   prior.Date,
		CurrentDate: current.Date,
		Entrants:    []model.IdentityKey{},
		Churned:     []model.IdentityKey{},
		Retained:    []model.IdentityKey{},
		TierChanged: []TierChange{},
		names:       make(map[model.IdentityKey]string, len(before)+len(after)),
	}
	for _, m := range prior.Members {
		r.names[m.Key] = m.Name
	}
	for _, m := range current.Members {
		r.names[m.Key] = m.Name
	}

	for key, tier := range after {
		from, ok := before[key]
		if !ok {
			r.Entrants = append(r.Entrants, key)
			continue
		}
		r.Retained = append(r.Retained, key)
		if from != tier {
			r.TierChanged = append(r.TierChanged, TierChange{Key: key, From: from, To: tier})
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			r.Churned = append(r.Churned, key)
		}
	}

	sortKeys(r.Entrants)
	sortKeys(r.Churned)
	sortKeys(r.Retained)
	sort.Slice(r.TierChanged, func(i, j int) bool { return r.TierChanged[i].Key < r.TierChanged[j].Key })
	return r, nil
}

// DiffLatest diffs the two most recent snapshots of the series.
func DiffLatest(s *Series) (*DiffReport, error) {
	if s == nil || s.Len() < 2 {
		n := 0
		if s != nil {
			n = s.Len()
		}
		return nil, eris.Wrapf(model.ErrInsufficientHistory, "vip: need 2 snapshots, have %d", n)
	}
	return Diff(s.snaps[len(s.snaps)-2], s.snaps[len(s.snaps)-1])
}

// Entry statuses.
const (
	EntryNew         = "new"
	EntryChurned     = "churned"
	EntryRetained    = "retained"
	EntryTierChanged = "tier_changed"
)

// Entry is one identity's row in a flattened diff.
type Entry struct {
	Key    model.IdentityKey `json:"key"`
	Name   string            `json:"name,omitempty"`
	Status string            `json:"status"`
	From   string            `json:"from,omitempty"`
	To     string            `json:"to,omitempty"`
}

// Entries flattens the report into one row per identity, sorted by key.
// Retained members whose tier moved are reported as tier_changed.
func (r *DiffReport) Entries() []Entry {
	changed := make(map[model.IdentityKey]TierChange, len(r.TierChanged))
	for _, c := range r.TierChanged {
		changed[c.Key] = c
	}

	out := make([]Entry, 0, len(r.Entrants)+len(r.Churned)+len(r.Retained))
	for _, k := range r.Entrants {
		out = append(out, Entry{Key: k, Name: r.names[k], Status: EntryNew})
	}
	for _, k := range r.Churned {
		out = append(out, Entry{Key: k, Name: r.names[k], Status: EntryChurned})
	}
	for _, k := range r.Retained {
		if c, ok := changed[k]; ok {
			out = append(out, Entry{Key: k, Name: r.names[k], Status: EntryTierChanged, From: c.From, To: c.To})
			continue
		}
		out = append(out, Entry{Key: k, Name: r.names[k], Status: EntryRetained})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func sortKeys(keys []model.IdentityKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
