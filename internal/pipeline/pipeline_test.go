package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clinic-crm/internal/config"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/scorer"
	"github.com/sells-group/clinic-crm/internal/store"
)

var clock = time.Date(2025, 11, 17, 20, 0, 0, 0, time.UTC)

func day(y int, mo time.Month, d int) time.Time { return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC) }

func testConfig() *config.Config {
	return &config.Config{
		Timezone:  "Asia/Seoul",
		Reconcile: config.ReconcileConfig{DepositAmounts: []int64{100_000, 350_000}},
		Scoring:   scorer.DefaultScoringConfig(),
		VIP: config.VIPConfig{
			MinRevenue: 5_000_000,
			WindowDays: 180,
			BaseTier:   "MEMBER",
			Tiers:      []config.TierConfig{{Label: "VVIP", MinRevenue: 10_000_000}, {Label: "VIP", MinRevenue: 5_000_000}},
		},
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, store.Store) {
	t.Helper()
	st := store.NewMemory()
	p := New(testConfig(), st)
	p.Now = func() time.Time { return clock }
	return p, st
}

func sale(row int, name, phone string, date time.Time, gross int64) model.RawRecord {
	return model.RawRecord{Row: row, Name: name, Phone: phone, VisitDate: date, Gross: decimal.NewFromInt(gross), Kind: model.RecordKindSale}
}

func week1() model.RawBatch {
	return model.RawBatch{ID: "2025-11-03_2025-11-09", PeriodStart: day(2025, 11, 3), PeriodEnd: day(2025, 11, 9), Records: []model.RawRecord{
		sale(1, "김민지", "010-1111-2222", day(2025, 11, 3), 300_000),
		sale(2, "김민지", "010-1111-2222", day(2025, 11, 5), 200_000),
		sale(3, "이서준", "010-3333-4444", day(2025, 11, 4), 50_000),
	}}
}

func week2() model.RawBatch {
	return model.RawBatch{ID: "2025-11-10_2025-11-16", PeriodStart: day(2025, 11, 10), PeriodEnd: day(2025, 11, 16), Records: []model.RawRecord{
		sale(1, "박지훈", "010-5555-6666", day(2025, 11, 10), 800_000),
		sale(2, "김민지", "010-1111-2222", day(2025, 11, 12), 100_000),
	}}
}

func TestToday_UsesClinicZone(t *testing.T) {
	p, _ := newTestPipeline(t)
	// 20:00 UTC is already the next day in Seoul.
	assert.Equal(t, day(2025, 11, 18), p.Today())
}

func TestReconcile_AppliesAndPersists(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	sums, err := p.Reconcile(ctx, week1(), week2())
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, 2, sums[0].NewPatients)
	assert.Equal(t, 1, sums[1].NewPatients)
	assert.Equal(t, 1, sums[1].UpdatedPatients)

	m, err := st.LoadMaster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, int64(2), m.Version)
	kim, ok := m.ByPhone("01011112222")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(600_000).Equal(kim.Revenue))

	// Re-running a batch is a no-op.
	sums, err = p.Reconcile(ctx, week1())
	require.NoError(t, err)
	assert.True(t, sums[0].Duplicate)
	assert.True(t, eris.Is(sums[0].Err(), model.ErrDuplicateBatch))

	m, err = st.LoadMaster(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Version)
}

func TestReconcile_FailedBatchSavesNothing(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Reconcile(ctx, week1(), model.RawBatch{ID: ""})
	require.Error(t, err)

	m, err := st.LoadMaster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestMergeTags(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_, err := p.Reconcile(ctx, week1())
	require.NoError(t, err)

	sum, err := p.MergeTags(ctx, []model.TagRow{
		{Row: 2, Phone: "010-1111-2222", Name: "김민지", Tags: []string{"lung"}},
		{Row: 3, Phone: "010-9999-0000", Name: "없음", Tags: []string{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	assert.Len(t, sum.Unmatched, 1)

	m, err := st.LoadMaster(ctx)
	require.NoError(t, err)
	kim, _ := m.ByPhone("01011112222")
	assert.True(t, kim.Tags.Contains("lung"))
}

func TestSnapshotAndDiff(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Diff(ctx, time.Time{}, time.Time{})
	assert.True(t, eris.Is(err, model.ErrInsufficientHistory))

	_, err = p.Reconcile(ctx, week1())
	require.NoError(t, err)
	first, err := p.Snapshot(ctx, day(2025, 11, 9))
	require.NoError(t, err)
	require.Len(t, first.Members, 2)
	assert.Equal(t, "MEMBER", first.Members[0].Tier)

	_, err = p.Reconcile(ctx, week2())
	require.NoError(t, err)
	// Zero as-of means today in the clinic zone.
	second, err := p.Snapshot(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, day(2025, 11, 18), second.Date)
	require.Len(t, second.Members, 3)

	_, err = p.Snapshot(ctx, day(2025, 11, 18))
	assert.True(t, eris.Is(err, model.ErrSnapshotOrder))

	d, err := p.Diff(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []model.IdentityKey{"tel:01055556666"}, d.Entrants)
	assert.Empty(t, d.Churned)
	assert.Len(t, d.Retained, 2)

	d, err = p.Diff(ctx, day(2025, 11, 9), time.Time{})
	require.NoError(t, err)
	assert.Len(t, d.Entrants, 1)

	_, err = p.Diff(ctx, day(2025, 10, 1), time.Time{})
	assert.Error(t, err)
	_, err = p.Diff(ctx, day(2025, 11, 18), day(2025, 11, 9))
	assert.True(t, eris.Is(err, model.ErrSnapshotOrder))
}

func TestScoreAndLatest(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()
	_, err := p.Reconcile(ctx, week1(), week2())
	require.NoError(t, err)

	latest, err := p.LatestScore(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	fresh, err := p.Score(ctx, day(2025, 11, 17), false)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.Population)
	assert.Equal(t, int64(2), fresh.MasterVersion)

	latest, err = p.LatestScore(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	saved, err := p.Score(ctx, day(2025, 11, 17), true)
	require.NoError(t, err)
	assert.Equal(t, fresh.RunID, saved.RunID)

	latest, err = p.LatestScore(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, fresh.RunID, latest.RunID)
}

func TestKPI(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()
	_, err := p.Reconcile(ctx, week1(), week2())
	require.NoError(t, err)

	r, err := p.KPI(ctx, day(2025, 11, 10), day(2025, 11, 16))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Visits)
	assert.Equal(t, 2, r.ActivePatients)
	assert.Equal(t, 1, r.NewPatients)
	assert.Equal(t, 1, r.ReturningPatients)
	assert.True(t, decimal.NewFromInt(900_000).Equal(r.Revenue))
}
