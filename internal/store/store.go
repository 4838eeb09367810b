// Package store persists the patient master, VIP snapshots and scoring runs.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinic-crm/internal/config"
	"github.com/sells-group/clinic-crm/internal/db"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
	"github.com/sells-group/clinic-crm/internal/scorer"
)

// Store defines the persistence interface for the clinic CRM.
type Store interface {
	// Master
	LoadMaster(ctx context.Context) (*registry.Master, error)
	// ReplaceMaster atomically swaps the stored master for m. It fails with
	// ErrStaleMaster when the stored version moved past m.BaseVersion.
	ReplaceMaster(ctx context.Context, m *registry.Master) error

	// VIP snapshots, append-only and strictly increasing by date.
	AppendSnapshot(ctx context.Context, snap model.Snapshot) error
	ListSnapshots(ctx context.Context) ([]model.Snapshot, error)

	// Scoring runs
	SaveScoreRun(ctx context.Context, r *scorer.Report) error
	LatestScoreRun(ctx context.Context) (*scorer.Report, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open builds the store named by cfg.Driver and migrates it.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		s, err = NewSQLite(cfg.Path)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, &db.PoolConfig{MaxConns: cfg.MaxConns})
	case "memory":
		s = NewMemory()
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func checkVersion(stored int64, m *registry.Master) error {
	if stored != m.BaseVersion {
		return eris.Wrapf(model.ErrStaleMaster, "store: stored version %d, loaded at %d", stored, m.BaseVersion)
	}
	return nil
}

func checkSnapshot(snap model.Snapshot, latest time.Time) error {
	if snap.ID == "" {
		return eris.New("store: snapshot has no id")
	}
	if !latest.IsZero() && !snap.Date.After(latest) {
		return eris.Wrapf(model.ErrSnapshotOrder, "store: snapshot %s not after %s",
			snap.Date.Format("2006-01-02"), latest.Format("2006-01-02"))
	}
	return nil
}

// scoreRow is one flattened scoring result, stored alongside the full run
// document for querying.
type scoreRow struct {
	Key      string
	Staff    string
	Tier     string
	TierRank int
	Score    float64
	Position int
}

func scoreRows(r *scorer.Report) []scoreRow {
	rows := make([]scoreRow, len(r.Records))
	for i, rec := range r.Records {
		rows[i] = scoreRow{
			Key:      string(rec.Key),
			Staff:    rec.Staff,
			Tier:     rec.Tier,
			TierRank: rec.TierRank,
			Score:    rec.Score,
			Position: i + 1,
		}
	}
	return rows
}

func encode(v interface{}, what string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrapf(err, "store: marshal %s", what)
	}
	return string(b), nil
}

func decodeRecords(rows [][]byte) ([]model.MasterRecord, error) {
	out := make([]model.MasterRecord, 0, len(rows))
	for _, data := range rows {
		var r model.MasterRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal patient")
		}
		out = append(out, r)
	}
	return out, nil
}

func decodeBatches(rows [][]byte) ([]registry.BatchEntry, error) {
	out := make([]registry.BatchEntry, 0, len(rows))
	for _, data := range rows {
		var b registry.BatchEntry
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal batch")
		}
		out = append(out, b)
	}
	return out, nil
}
