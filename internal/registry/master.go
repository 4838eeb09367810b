// Package registry holds the in-memory, versioned patient master table.
package registry

import (
	"sort"
	"time"

	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/resolve"
)

// BatchEntry is one row of the applied-batch ledger.
type BatchEntry struct {
	ID          string    `json:"id"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
	Records     int       `json:"records"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Master is the keyed table of patient records plus lookup indexes.
//
// A Master is a plain value owned by its caller: load it from a store, pass
// it to the reconciler (the only writer), and persist it wholesale. It is not
// safe for concurrent mutation.
type Master struct {
	Version     int64
	BaseVersion int64 // version this value was loaded at
	UpdatedAt   time.Time

	records map[model.IdentityKey]*model.MasterRecord
	byPhone map[string]model.IdentityKey
	byName  map[string][]model.IdentityKey
	byChart map[string][]model.IdentityKey
	batches map[string]BatchEntry
}

// New returns an empty master at version 0.
func New() *Master {
	return &Master{
		records: make(map[model.IdentityKey]*model.MasterRecord),
		byPhone: make(map[string]model.IdentityKey),
		byName:  make(map[string][]model.IdentityKey),
		byChart: make(map[string][]model.IdentityKey),
		batches: make(map[string]BatchEntry),
	}
}

// Load rebuilds a master from persisted records and ledger entries.
func Load(version int64, updatedAt time.Time, records []model.MasterRecord, batches []BatchEntry) *Master {
	m := New()
	m.Version = version
	m.BaseVersion = version
	m.UpdatedAt = updatedAt
	for _, r := range records {
		m.Put(r)
	}
	for _, b := range batches {
		m.batches[b.ID] = b
	}
	return m
}

// Len returns the number of patients.
func (m *Master) Len() int { return len(m.records) }

// Has reports whether key is registered.
func (m *Master) Has(key model.IdentityKey) bool {
	_, ok := m.records[key]
	return ok
}

// Get returns a copy of the record for key.
func (m *Master) Get(key model.IdentityKey) (model.MasterRecord, bool) {
	r, ok := m.records[key]
	if !ok {
		return model.MasterRecord{}, false
	}
	return r.Clone(), true
}

// ByPhone returns the patient holding a normalized phone number.
func (m *Master) ByPhone(phone string) (model.MasterRecord, bool) {
	key, ok := m.byPhone[phone]
	if !ok {
		return model.MasterRecord{}, false
	}
	return m.Get(key)
}

// ByName returns every patient whose normalized name equals name.
func (m *Master) ByName(name string) []model.MasterRecord {
	return m.collect(m.byName[name])
}

// ByChart returns every patient with the normalized chart number.
func (m *Master) ByChart(chart string) []model.MasterRecord {
	return m.collect(m.byChart[chart])
}

func (m *Master) collect(keys []model.IdentityKey) []model.MasterRecord {
	if len(keys) == 0 {
		return nil
	}
	out := make([]model.MasterRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.records[k].Clone())
	}
	return out
}

// Records returns copies of all records ordered by key.
func (m *Master) Records() []model.MasterRecord {
	keys := make([]model.IdentityKey, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return m.collect(keys)
}

// Put inserts or replaces a record and refreshes its index entries.
func (m *Master) Put(rec model.MasterRecord) {
	if old, ok := m.records[rec.Key]; ok {
		m.unindex(old)
	}
	r := rec.Clone()
	m.records[r.Key] = &r
	m.index(&r)
}

func (m *Master) index(r *model.MasterRecord) {
	if r.Phone != "" {
		m.byPhone[r.Phone] = r.Key
	}
	if name := resolve.NormalizeName(r.Name); name != "" {
		m.byName[name] = insertKey(m.byName[name], r.Key)
	}
	if r.ChartNo != "" {
		m.byChart[r.ChartNo] = insertKey(m.byChart[r.ChartNo], r.Key)
	}
}

func (m *Master) unindex(r *model.MasterRecord) {
	if r.Phone != "" && m.byPhone[r.Phone] == r.Key {
		delete(m.byPhone, r.Phone)
	}
	if name := resolve.NormalizeName(r.Name); name != "" {
		m.byName[name] = removeKey(m.byName[name], r.Key)
		if len(m.byName[name]) == 0 {
			delete(m.byName, name)
		}
	}
	if r.ChartNo != "" {
		m.byChart[r.ChartNo] = removeKey(m.byChart[r.ChartNo], r.Key)
		if len(m.byChart[r.ChartNo]) == 0 {
			delete(m.byChart, r.ChartNo)
		}
	}
}

// HasBatch reports whether batch id is in the applied-batch ledger.
func (m *Master) HasBatch(id string) bool {
	_, ok := m.batches[id]
	return ok
}

// RecordBatch adds a batch to the applied-batch ledger.
func (m *Master) RecordBatch(e BatchEntry) {
	m.batches[e.ID] = e
}

// Batches returns the ledger ordered by application time, then id.
func (m *Master) Batches() []BatchEntry {
	out := make([]BatchEntry, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].AppliedAt.Before(out[j].AppliedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Bump advances the version after a committed mutation.
func (m *Master) Bump(now time.Time) {
	m.Version++
	m.UpdatedAt = now
}

func insertKey(keys []model.IdentityKey, k model.IdentityKey) []model.IdentityKey {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] >= k })
	if i < len(keys) && keys[i] == k {
		return keys
	}
	keys = append(keys, "")
	copy(keys[i+1:], keys[i:])
	keys[i] = k
	return keys
}

func removeKey(keys []model.IdentityKey, k model.IdentityKey) []model.IdentityKey {
	for i, existing := range keys {
		if existing == k {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
