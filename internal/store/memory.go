package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
	"github.com/sells-group/clinic-crm/internal/scorer"
)

// MemoryStore implements Store in process memory. It backs tests and the
// "memory" driver; nothing survives Close.
type MemoryStore struct {
	mu        sync.Mutex
	version   int64
	updatedAt time.Time
	records   []model.MasterRecord
	batches   []registry.BatchEntry
	snaps     []model.Snapshot
	runs      [][]byte
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) LoadMaster(context.Context) (*registry.Master, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return registry.Load(s.version, s.updatedAt, s.records, s.batches), nil
}

func (s *MemoryStore) ReplaceMaster(_ context.Context, m *registry.Master) error {
	if m == nil {
		return eris.New("memory: nil master")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkVersion(s.version, m); err != nil {
		return err
	}
	if m.Version == s.version {
		return nil
	}
	// Records returns clones, so later edits to m never reach the store.
	s.records = m.Records()
	s.batches = m.Batches()
	s.version = m.Version
	s.updatedAt = m.UpdatedAt
	m.BaseVersion = m.Version
	return nil
}

func (s *MemoryStore) AppendSnapshot(_ context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	if n := len(s.snaps); n > 0 {
		latest = s.snaps[n-1].Date
	}
	if err := checkSnapshot(snap, latest); err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	s.snaps = append(s.snaps, snap.Clone())
	return nil
}

func (s *MemoryStore) ListSnapshots(context.Context) ([]model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Snapshot, len(s.snaps))
	for i, snap := range s.snaps {
		out[i] = snap.Clone()
	}
	return out, nil
}

// SaveScoreRun keeps the run as JSON so callers get an independent copy
// back, the same as the database stores.
func (s *MemoryStore) SaveScoreRun(_ context.Context, r *scorer.Report) error {
	if r == nil || r.RunID == "" {
		return eris.New("memory: score run has no id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "memory: marshal score run")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, data)
	return nil
}

func (s *MemoryStore) LatestScoreRun(context.Context) (*scorer.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return nil, nil
	}
	var r scorer.Report
	if err := json.Unmarshal(s.runs[len(s.runs)-1], &r); err != nil {
		return nil, eris.Wrap(err, "memory: unmarshal score run")
	}
	return &r, nil
}
