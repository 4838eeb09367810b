package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clinic-crm/internal/db"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
	"github.com/sells-group/clinic-crm/internal/scorer"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS master_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
INSERT INTO master_meta (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS patients (
	patient_key TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	phone       TEXT NOT NULL DEFAULT '',
	chart_no    TEXT NOT NULL DEFAULT '',
	revenue     NUMERIC NOT NULL,
	visit_count INTEGER NOT NULL,
	last_visit  DATE,
	data        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS vip_snapshots (
	id         TEXT PRIMARY KEY,
	snap_date  DATE NOT NULL UNIQUE,
	criteria   TEXT NOT NULL,
	members    INTEGER NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS vip_snapshot_members (
	snapshot_id TEXT NOT NULL REFERENCES vip_snapshots(id) ON DELETE CASCADE,
	patient_key TEXT NOT NULL,
	tier        TEXT NOT NULL,
	revenue     NUMERIC NOT NULL,
	last_visit  DATE,
	PRIMARY KEY (snapshot_id, patient_key)
);

CREATE TABLE IF NOT EXISTS score_runs (
	run_id         TEXT PRIMARY KEY,
	as_of          DATE NOT NULL,
	config_hash    TEXT NOT NULL,
	master_version BIGINT NOT NULL,
	data           JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS score_results (
	run_id      TEXT NOT NULL REFERENCES score_runs(run_id) ON DELETE CASCADE,
	patient_key TEXT NOT NULL,
	staff       TEXT NOT NULL,
	tier        TEXT NOT NULL,
	tier_rank   INTEGER NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	position    INTEGER NOT NULL,
	PRIMARY KEY (run_id, patient_key)
);

CREATE INDEX IF NOT EXISTS idx_patients_phone ON patients(phone);
CREATE INDEX IF NOT EXISTS idx_patients_chart_no ON patients(chart_no);
CREATE INDEX IF NOT EXISTS idx_snapshot_members_key ON vip_snapshot_members(patient_key);
CREATE INDEX IF NOT EXISTS idx_score_runs_created_at ON score_runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_score_results_staff ON score_results(run_id, staff);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var (
	patientUpsert = db.UpsertConfig{
		Table:        "patients",
		Columns:      []string{"patient_key", "name", "phone", "chart_no", "revenue", "visit_count", "last_visit", "data"},
		ConflictKeys: []string{"patient_key"},
	}
	batchUpsert = db.UpsertConfig{
		Table:        "batches",
		Columns:      []string{"id", "applied_at", "data"},
		ConflictKeys: []string{"id"},
	}
	snapshotMemberCols = []string{"snapshot_id", "patient_key", "tier", "revenue", "last_visit"}
	scoreResultUpsert  = db.UpsertConfig{
		Table:        "score_results",
		Columns:      []string{"run_id", "patient_key", "staff", "tier", "tier_rank", "score", "position"},
		ConflictKeys: []string{"run_id", "patient_key"},
	}
)

func (s *PostgresStore) LoadMaster(ctx context.Context) (*registry.Master, error) {
	var (
		version   int64
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT version, updated_at FROM master_meta WHERE id = 1`).Scan(&version, &updatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: load master meta")
	}
	updatedAt = updatedAt.UTC()

	patientData, err := s.blobs(ctx, `SELECT data FROM patients ORDER BY patient_key`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load patients")
	}
	records, err := decodeRecords(patientData)
	if err != nil {
		return nil, err
	}

	batchData, err := s.blobs(ctx, `SELECT data FROM batches ORDER BY applied_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load batches")
	}
	batches, err := decodeBatches(batchData)
	if err != nil {
		return nil, err
	}
	return registry.Load(version, updatedAt, records, batches), nil
}

func (s *PostgresStore) blobs(ctx context.Context, query string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// ReplaceMaster upserts every patient and ledger entry, drops patients that
// are no longer in m, and advances the stored version, all in one
// transaction holding the master_meta row lock.
func (s *PostgresStore) ReplaceMaster(ctx context.Context, m *registry.Master) error {
	if m == nil {
		return eris.New("postgres: nil master")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var stored int64
	if err := tx.QueryRow(ctx, `SELECT version FROM master_meta WHERE id = 1 FOR UPDATE`).Scan(&stored); err != nil {
		return eris.Wrap(err, "postgres: read master version")
	}
	if err := checkVersion(stored, m); err != nil {
		return err
	}
	if m.Version == stored {
		return nil
	}

	records := m.Records()
	keys := make([]string, len(records))
	rows := make([][]any, len(records))
	for i, r := range records {
		data, err := encode(r, "patient")
		if err != nil {
			return err
		}
		keys[i] = string(r.Key)
		rows[i] = []any{string(r.Key), r.Name, r.Phone, r.ChartNo, r.Revenue.InexactFloat64(), r.VisitCount, nullDate(r.LastVisit), data}
	}
	if _, err := db.UpsertTx(ctx, tx, patientUpsert, rows); err != nil {
		return eris.Wrap(err, "postgres: upsert patients")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM patients WHERE NOT (patient_key = ANY($1))`, keys); err != nil {
		return eris.Wrap(err, "postgres: prune patients")
	}

	var batchRows [][]any
	for _, b := range m.Batches() {
		data, err := encode(b, "batch")
		if err != nil {
			return err
		}
		batchRows = append(batchRows, []any{b.ID, b.AppliedAt, data})
	}
	if _, err := db.UpsertTx(ctx, tx, batchUpsert, batchRows); err != nil {
		return eris.Wrap(err, "postgres: upsert batches")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE master_meta SET version = $1, updated_at = $2 WHERE id = 1`,
		m.Version, m.UpdatedAt,
	); err != nil {
		return eris.Wrap(err, "postgres: update master version")
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit replace")
	}
	m.BaseVersion = m.Version
	return nil
}

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap model.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin snapshot")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize appends on the snapshot table so the order check holds.
	if _, err := tx.Exec(ctx, `LOCK TABLE vip_snapshots IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return eris.Wrap(err, "postgres: lock snapshots")
	}
	var latest time.Time
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(snap_date), '0001-01-01'::date) FROM vip_snapshots`).Scan(&latest); err != nil {
		return eris.Wrap(err, "postgres: latest snapshot")
	}
	if err := checkSnapshot(snap, model.Day(latest)); err != nil {
		return err
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	data, err := encode(snap, "snapshot")
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO vip_snapshots (id, snap_date, criteria, members, data, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.Date, snap.Criteria, len(snap.Members), data, snap.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert snapshot %s", snap.ID)
	}

	members := make([][]any, len(snap.Members))
	for i, m := range snap.Members {
		members[i] = []any{snap.ID, string(m.Key), m.Tier, m.Revenue.InexactFloat64(), nullDate(m.LastVisit)}
	}
	if _, err := db.CopyFrom(ctx, tx, "vip_snapshot_members", snapshotMemberCols, members); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit snapshot")
}

func (s *PostgresStore) ListSnapshots(ctx context.Context) ([]model.Snapshot, error) {
	data, err := s.blobs(ctx, `SELECT data FROM vip_snapshots ORDER BY snap_date`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	out := make([]model.Snapshot, 0, len(data))
	for _, d := range data {
		var snap model.Snapshot
		if err := json.Unmarshal(d, &snap); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal snapshot")
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *PostgresStore) SaveScoreRun(ctx context.Context, r *scorer.Report) error {
	if r == nil || r.RunID == "" {
		return eris.New("postgres: score run has no id")
	}
	data, err := encode(r, "score run")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO score_runs (run_id, as_of, config_hash, master_version, data, created_at) VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data, created_at = EXCLUDED.created_at`,
		r.RunID, r.AsOf, r.ConfigHash, r.MasterVersion, data,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert score run %s", r.RunID)
	}

	results := scoreRows(r)
	rows := make([][]any, len(results))
	for i, row := range results {
		rows[i] = []any{r.RunID, row.Key, row.Staff, row.Tier, row.TierRank, row.Score, row.Position}
	}
	if _, err := db.BulkUpsert(ctx, s.pool, scoreResultUpsert, rows); err != nil {
		return eris.Wrapf(err, "postgres: save score results %s", r.RunID)
	}
	return nil
}

func (s *PostgresStore) LatestScoreRun(ctx context.Context) (*scorer.Report, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM score_runs ORDER BY created_at DESC, run_id DESC LIMIT 1`,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest score run")
	}
	var r scorer.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal score run")
	}
	return &r, nil
}
