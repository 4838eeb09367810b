package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/scorer"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

// expectUpsertTx sets up expectations for one db.UpsertTx call:
// CREATE TEMP TABLE -> COPY -> DELETE (dedup) -> INSERT ON CONFLICT.
func expectUpsertTx(m pgxmock.PgxPoolIface, table string, cols []string, n int64) {
	m.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	m.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_" + table}, cols).WillReturnResult(n)
	m.ExpectExec(`DELETE FROM "_tmp_upsert_` + table + `"`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	m.ExpectExec(`INSERT INTO "` + table + `"`).WillReturnResult(pgxmock.NewResult("INSERT", n))
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS master_meta`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadMaster(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := model.MasterRecord{Key: "tel:01011112222", Name: "김민지", Phone: "01011112222", Revenue: decimal.NewFromInt(300)}
	recJSON, err := json.Marshal(rec)
	require.NoError(t, err)
	batchJSON, err := json.Marshal(map[string]any{"id": "b1", "records": 1, "applied_at": applied})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT version, updated_at FROM master_meta`).
		WillReturnRows(pgxmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(4), applied))
	mock.ExpectQuery(`SELECT data FROM patients ORDER BY patient_key`).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(recJSON))
	mock.ExpectQuery(`SELECT data FROM batches`).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(batchJSON))

	m, err := s.LoadMaster(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Version)
	assert.Equal(t, int64(4), m.BaseVersion)
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.HasBatch("b1"))
	got, ok := m.ByPhone("01011112222")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(300).Equal(got.Revenue))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadMaster_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT version, updated_at FROM master_meta`).WillReturnError(errors.New("connection reset"))

	_, err := s.LoadMaster(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load master meta")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceMaster(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	m := sampleMaster()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM master_meta WHERE id = 1 FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(0)))
	expectUpsertTx(mock, "patients", patientUpsert.Columns, 2)
	mock.ExpectExec(`DELETE FROM patients WHERE NOT \(patient_key = ANY\(\$1\)\)`).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	expectUpsertTx(mock, "batches", batchUpsert.Columns, 1)
	mock.ExpectExec(`UPDATE master_meta SET version = \$1, updated_at = \$2`).
		WithArgs(int64(1), applied).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ReplaceMaster(context.Background(), m))
	assert.Equal(t, int64(1), m.BaseVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceMaster_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	m := sampleMaster()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM master_meta WHERE id = 1 FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectRollback()

	err := s.ReplaceMaster(context.Background(), m)
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrStaleMaster))
	assert.Equal(t, int64(0), m.BaseVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSnapshot(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	snap := model.Snapshot{ID: "s2", Date: date(2025, 11, 8), Criteria: "c",
		Members: []model.SnapshotMember{{Key: "A", Tier: "VIP"}}}

	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE vip_snapshots`).WillReturnResult(pgxmock.NewResult("LOCK", 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(snap_date\)`).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(date(2025, 11, 1)))
	mock.ExpectExec(`INSERT INTO vip_snapshots`).
		WithArgs("s2", snap.Date, "c", 1, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"vip_snapshot_members"}, snapshotMemberCols).WillReturnResult(1)
	mock.ExpectCommit()

	require.NoError(t, s.AppendSnapshot(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSnapshot_OutOfOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE vip_snapshots`).WillReturnResult(pgxmock.NewResult("LOCK", 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(snap_date\)`).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(date(2025, 11, 8)))
	mock.ExpectRollback()

	err := s.AppendSnapshot(context.Background(), model.Snapshot{ID: "s1", Date: date(2025, 11, 1)})
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrSnapshotOrder))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSnapshots(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	data, err := json.Marshal(model.Snapshot{ID: "s1", Date: date(2025, 11, 1)})
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT data FROM vip_snapshots ORDER BY snap_date`).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	snaps, err := s.ListSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "s1", snaps[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveScoreRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	report := &scorer.Report{
		RunID: "run-1", ConfigHash: "abc", AsOf: date(2025, 11, 18), MasterVersion: 2,
		Records: []scorer.Record{
			{Key: "k1", Staff: "원장A", Tier: "A1", Score: 90},
			{Key: "k2", Staff: "원장B", Tier: "C", Score: 12},
		},
	}

	mock.ExpectExec(`INSERT INTO score_runs .* ON CONFLICT \(run_id\)`).
		WithArgs("run-1", report.AsOf, "abc", int64(2), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectBegin()
	expectUpsertTx(mock, "score_results", scoreResultUpsert.Columns, 2)
	mock.ExpectCommit()

	require.NoError(t, s.SaveScoreRun(context.Background(), report))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestScoreRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM score_runs`).WillReturnError(pgx.ErrNoRows)
	got, err := s.LatestScoreRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)

	data, err := json.Marshal(scorer.Report{RunID: "run-9", AsOf: time.Date(2025, 11, 18, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT data FROM score_runs`).WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))
	got, err = s.LatestScoreRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-9", got.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
