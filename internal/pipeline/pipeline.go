// Package pipeline runs the clinic CRM operations against a store: it loads
// the master, hands it to the core engines, and writes results back.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/config"
	"github.com/sells-group/clinic-crm/internal/kpi"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/reconcile"
	"github.com/sells-group/clinic-crm/internal/scorer"
	"github.com/sells-group/clinic-crm/internal/store"
	"github.com/sells-group/clinic-crm/internal/vip"
)

// Pipeline wires the core engines to a store. Master writes are serialized
// through mu; the store's version check catches writers in other processes.
type Pipeline struct {
	cfg   *config.Config
	store store.Store
	rec   *reconcile.Reconciler

	mu sync.Mutex

	// Now stamps ledger entries and defaults the as-of date.
	Now func() time.Time
}

// New creates a Pipeline over st.
func New(cfg *config.Config, st store.Store) *Pipeline {
	p := &Pipeline{
		cfg:   cfg,
		store: st,
		rec:   reconcile.New(cfg.Reconcile, cfg.VIP.MembershipTable()),
		Now:   time.Now,
	}
	p.rec.Now = func() time.Time { return p.Now() }
	return p
}

// Today returns the current date in the clinic's time zone as a UTC day.
func (p *Pipeline) Today() time.Time {
	return model.Day(p.Now().In(p.cfg.Location()))
}

// MergeTags merges a tag export into the stored master.
func (p *Pipeline) MergeTags(ctx context.Context, rows []model.TagRow) (*reconcile.TagSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.store.LoadMaster(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load master")
	}
	sum, err := p.rec.MergeTags(rows, m)
	if err != nil {
		return nil, err
	}
	if err := p.store.ReplaceMaster(ctx, m); err != nil {
		return nil, eris.Wrap(err, "pipeline: save master")
	}
	return sum, nil
}

// Reconcile applies batches to the stored master in the order given and
// saves the result once. Batches already in the ledger come back as noop
// summaries. Nothing is saved if any batch fails outright.
func (p *Pipeline) Reconcile(ctx context.Context, batches ...model.RawBatch) ([]*reconcile.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.store.LoadMaster(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load master")
	}

	out := make([]*reconcile.Summary, 0, len(batches))
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, err := p.rec.Reconcile(b, m)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: reconcile %s", b.ID)
		}
		out = append(out, sum)
	}

	if err := p.store.ReplaceMaster(ctx, m); err != nil {
		return nil, eris.Wrap(err, "pipeline: save master")
	}
	zap.L().Info("pipeline: reconciled batches",
		zap.Int("batches", len(batches)),
		zap.Int64("version", m.Version),
		zap.Int("patients", m.Len()),
	)
	return out, nil
}

// Snapshot builds the VIP snapshot as of asOf and appends it to the series.
func (p *Pipeline) Snapshot(ctx context.Context, asOf time.Time) (model.Snapshot, error) {
	b, err := vip.NewBuilder(p.cfg.VIP)
	if err != nil {
		return model.Snapshot{}, err
	}
	m, err := p.store.LoadMaster(ctx)
	if err != nil {
		return model.Snapshot{}, eris.Wrap(err, "pipeline: load master")
	}
	snap := b.Snapshot(m, p.asOf(asOf))
	if err := p.store.AppendSnapshot(ctx, snap); err != nil {
		return model.Snapshot{}, err
	}
	zap.L().Info("pipeline: snapshot appended",
		zap.String("id", snap.ID),
		zap.Time("date", snap.Date),
		zap.Int("members", len(snap.Members)),
	)
	return snap, nil
}

// Snapshots returns the stored snapshot series.
func (p *Pipeline) Snapshots(ctx context.Context) (*vip.Series, error) {
	snaps, err := p.store.ListSnapshots(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list snapshots")
	}
	return vip.NewSeries(snaps...)
}

// Diff compares the snapshots taken on prior and current. With both dates
// zero it compares the two most recent snapshots.
func (p *Pipeline) Diff(ctx context.Context, prior, current time.Time) (*vip.DiffReport, error) {
	series, err := p.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	if prior.IsZero() && current.IsZero() {
		return vip.DiffLatest(series)
	}
	if current.IsZero() {
		latest, ok := series.Latest()
		if !ok {
			return nil, eris.Wrap(model.ErrInsufficientHistory, "pipeline: no snapshots")
		}
		current = latest.Date
	}
	before, ok := series.At(prior)
	if !ok {
		return nil, eris.Wrapf(model.ErrInsufficientHistory, "pipeline: no snapshot on %s", prior.Format("2006-01-02"))
	}
	after, ok := series.At(current)
	if !ok {
		return nil, eris.Wrapf(model.ErrInsufficientHistory, "pipeline: no snapshot on %s", current.Format("2006-01-02"))
	}
	return vip.Diff(before, after)
}

// Score scores the stored master as of asOf. When save is set the report
// is persisted as a score run.
func (p *Pipeline) Score(ctx context.Context, asOf time.Time, save bool) (*scorer.Report, error) {
	e, err := scorer.NewEngine(p.cfg.Scoring, p.asOf(asOf))
	if err != nil {
		return nil, err
	}
	m, err := p.store.LoadMaster(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load master")
	}
	report, err := e.Score(m)
	if err != nil {
		return nil, err
	}
	if save {
		if err := p.store.SaveScoreRun(ctx, report); err != nil {
			return nil, eris.Wrap(err, "pipeline: save score run")
		}
	}
	return report, nil
}

// LatestScore returns the most recently saved score run, or nil.
func (p *Pipeline) LatestScore(ctx context.Context) (*scorer.Report, error) {
	return p.store.LatestScoreRun(ctx)
}

// KPI aggregates the stored master over [start, end].
func (p *Pipeline) KPI(ctx context.Context, start, end time.Time) (*kpi.Report, error) {
	m, err := p.store.LoadMaster(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load master")
	}
	return kpi.Aggregate(m, start, end), nil
}

func (p *Pipeline) asOf(t time.Time) time.Time {
	if t.IsZero() {
		return p.Today()
	}
	return model.Day(t)
}
