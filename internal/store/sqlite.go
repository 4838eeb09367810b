package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
	"github.com/sells-group/clinic-crm/internal/scorer"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer connection keeps transactions from tripping over each other.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS master_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO master_meta (id, version, updated_at) VALUES (1, 0, '');

CREATE TABLE IF NOT EXISTS patients (
	patient_key TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	phone       TEXT NOT NULL DEFAULT '',
	chart_no    TEXT NOT NULL DEFAULT '',
	revenue     TEXT NOT NULL,
	visit_count INTEGER NOT NULL,
	last_visit  TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL,
	data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vip_snapshots (
	id         TEXT PRIMARY KEY,
	snap_date  TEXT NOT NULL UNIQUE,
	criteria   TEXT NOT NULL,
	members    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS score_runs (
	run_id         TEXT PRIMARY KEY,
	as_of          TEXT NOT NULL,
	config_hash    TEXT NOT NULL,
	master_version INTEGER NOT NULL,
	data           TEXT NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS score_results (
	run_id      TEXT NOT NULL REFERENCES score_runs(run_id) ON DELETE CASCADE,
	patient_key TEXT NOT NULL,
	staff       TEXT NOT NULL,
	tier        TEXT NOT NULL,
	tier_rank   INTEGER NOT NULL,
	score       REAL NOT NULL,
	position    INTEGER NOT NULL,
	PRIMARY KEY (run_id, patient_key)
);

CREATE INDEX IF NOT EXISTS idx_patients_phone ON patients(phone);
CREATE INDEX IF NOT EXISTS idx_patients_chart_no ON patients(chart_no);
CREATE INDEX IF NOT EXISTS idx_score_runs_created_at ON score_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_score_results_staff ON score_results(run_id, staff);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func (s *SQLiteStore) LoadMaster(ctx context.Context) (*registry.Master, error) {
	var (
		version int64
		updated string
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, updated_at FROM master_meta WHERE id = 1`).Scan(&version, &updated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: load master meta")
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, err
	}

	patientData, err := s.blobs(ctx, `SELECT data FROM patients ORDER BY patient_key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load patients")
	}
	records, err := decodeRecords(patientData)
	if err != nil {
		return nil, err
	}

	batchData, err := s.blobs(ctx, `SELECT data FROM batches ORDER BY applied_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load batches")
	}
	batches, err := decodeBatches(batchData)
	if err != nil {
		return nil, err
	}
	return registry.Load(version, updatedAt, records, batches), nil
}

func (s *SQLiteStore) blobs(ctx context.Context, query string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, []byte(data))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplaceMaster(ctx context.Context, m *registry.Master) error {
	if m == nil {
		return eris.New("sqlite: nil master")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace")
	}
	defer tx.Rollback() //nolint:errcheck

	var stored int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM master_meta WHERE id = 1`).Scan(&stored); err != nil {
		return eris.Wrap(err, "sqlite: read master version")
	}
	if err := checkVersion(stored, m); err != nil {
		return err
	}
	if m.Version == stored {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM patients`); err != nil {
		return eris.Wrap(err, "sqlite: clear patients")
	}
	insPatient, err := tx.PrepareContext(ctx,
		`INSERT INTO patients (patient_key, name, phone, chart_no, revenue, visit_count, last_visit, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare patient insert")
	}
	defer insPatient.Close() //nolint:errcheck
	for _, r := range m.Records() {
		data, err := encode(r, "patient")
		if err != nil {
			return err
		}
		if _, err := insPatient.ExecContext(ctx,
			string(r.Key), r.Name, r.Phone, r.ChartNo, r.Revenue.String(), r.VisitCount, formatTime(r.LastVisit), data,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert patient %s", r.Key)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM batches`); err != nil {
		return eris.Wrap(err, "sqlite: clear batches")
	}
	for _, b := range m.Batches() {
		data, err := encode(b, "batch")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batches (id, applied_at, data) VALUES (?, ?, ?)`,
			b.ID, formatTime(b.AppliedAt), data,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert batch %s", b.ID)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE master_meta SET version = ?, updated_at = ? WHERE id = 1`,
		m.Version, formatTime(m.UpdatedAt),
	); err != nil {
		return eris.Wrap(err, "sqlite: update master version")
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit replace")
	}
	m.BaseVersion = m.Version
	return nil
}

func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snap model.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin snapshot")
	}
	defer tx.Rollback() //nolint:errcheck

	var latest sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT MAX(snap_date) FROM vip_snapshots`).Scan(&latest); err != nil {
		return eris.Wrap(err, "sqlite: latest snapshot")
	}
	var latestDate time.Time
	if latest.Valid {
		if latestDate, err = time.Parse("2006-01-02", latest.String); err != nil {
			return eris.Wrap(err, "sqlite: parse snapshot date")
		}
	}
	if err := checkSnapshot(snap, latestDate); err != nil {
		return err
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	data, err := encode(snap, "snapshot")
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vip_snapshots (id, snap_date, criteria, members, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Date.Format("2006-01-02"), snap.Criteria, len(snap.Members), data, formatTime(snap.CreatedAt),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert snapshot %s", snap.ID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit snapshot")
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]model.Snapshot, error) {
	data, err := s.blobs(ctx, `SELECT data FROM vip_snapshots ORDER BY snap_date`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	out := make([]model.Snapshot, 0, len(data))
	for _, d := range data {
		var snap model.Snapshot
		if err := json.Unmarshal(d, &snap); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal snapshot")
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *SQLiteStore) SaveScoreRun(ctx context.Context, r *scorer.Report) error {
	if r == nil || r.RunID == "" {
		return eris.New("sqlite: score run has no id")
	}
	data, err := encode(r, "score run")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin score run")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM score_results WHERE run_id = ?`, r.RunID); err != nil {
		return eris.Wrap(err, "sqlite: clear score results")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO score_runs (run_id, as_of, config_hash, master_version, data, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		r.RunID, formatTime(r.AsOf), r.ConfigHash, r.MasterVersion, data, formatTime(time.Now()),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert score run %s", r.RunID)
	}
	for _, row := range scoreRows(r) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO score_results (run_id, patient_key, staff, tier, tier_rank, score, position) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, row.Key, row.Staff, row.Tier, row.TierRank, row.Score, row.Position,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert score result %s", row.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit score run")
}

func (s *SQLiteStore) LatestScoreRun(ctx context.Context) (*scorer.Report, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM score_runs ORDER BY created_at DESC, run_id DESC LIMIT 1`,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest score run")
	}
	var r scorer.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal score run")
	}
	return &r, nil
}
