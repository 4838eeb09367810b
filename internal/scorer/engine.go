package scorer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/config"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
)

// runNamespace seeds deterministic run ids.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://sells-group.com/clinic-crm/score-run"))

// Record is one scored patient.
type Record struct {
	Key            model.IdentityKey    `json:"key"`
	Name           string               `json:"name"`
	Phone          string               `json:"phone,omitempty"`
	Staff          string               `json:"staff"`
	Tags           model.TagSet         `json:"tags,omitempty"`
	VIPTier        string               `json:"vip_tier,omitempty"`
	Revenue        decimal.Decimal      `json:"revenue"`
	VisitCount     int                  `json:"visit_count"`
	LastVisit      time.Time            `json:"last_visit,omitempty"`
	DaysSinceVisit int                  `json:"days_since_visit"` // -1 when never visited
	PurchaseStatus model.PurchaseStatus `json:"purchase_status"`
	Features       map[string]float64   `json:"features"`
	Scaled         map[string]float64   `json:"scaled"`
	Score          float64              `json:"score"`
	Tier           string               `json:"tier"`
	TierRank       int                  `json:"tier_rank"`
	Dormant        bool                 `json:"dormant"`
}

// Segment is the ranked list for one staff member.
type Segment struct {
	Staff   string   `json:"staff"`
	Records []Record `json:"records"`
	// Targets holds the records whose last visit falls in the follow-up
	// window. Nil when no window is configured.
	Targets []Record `json:"targets,omitempty"`
}

// Report is the output of one scoring run.
type Report struct {
	RunID         string    `json:"run_id"`
	ConfigHash    string    `json:"config_hash"`
	AsOf          time.Time `json:"as_of"`
	MasterVersion int64     `json:"master_version"`
	Population    int       `json:"population"`
	WeightSource  string    `json:"weight_source"`
	Weights       Weights   `json:"weights"`
	Records       []Record  `json:"records"`
	Segments      []Segment `json:"segments"`
}

// Engine scores a master against a fixed config and as-of date.
type Engine struct {
	cfg      config.ScoringConfig
	bands    BandTable
	assigner Assigner
	asOf     time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithAssigner overrides the staff assignment policy.
func WithAssigner(a Assigner) Option {
	return func(e *Engine) { e.assigner = a }
}

// NewEngine validates cfg and builds an engine scoring as of asOf.
func NewEngine(cfg config.ScoringConfig, asOf time.Time, opts ...Option) (*Engine, error) {
	if asOf.IsZero() {
		return nil, eris.New("scorer: as-of date is required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	bands, err := NewBandTable(cfg.Bands)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		bands:    bands,
		assigner: RuleAssigner{Rules: cfg.StaffRules},
		asOf:     model.Day(asOf),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Bands returns the engine's tier table.
func (e *Engine) Bands() BandTable { return e.bands }

// Score computes weights, scaled features, composite scores, tiers, and
// per-staff segments for every patient in m. It does not mutate m.
func (e *Engine) Score(m *registry.Master) (*Report, error) {
	if m == nil {
		return nil, eris.New("scorer: nil master")
	}
	log := zap.L().With(zap.String("component", "scorer"))

	recs := m.Records()
	n := len(recs)

	cols := make(map[string][]float64, len(Features))
	for _, f := range Features {
		cols[f] = make([]float64, n)
	}
	days := make([]int, n)
	visited := make([]bool, n)
	worstRecency := 0.0
	seenVisit := false
	for i, r := range recs {
		cols[FeatureNetRevenue][i] = r.Revenue.InexactFloat64()
		cols[FeatureVisitCount][i] = float64(r.VisitCount)
		cols[FeatureAvgPurchase][i] = r.AveragePurchase().InexactFloat64()
		d, ok := r.DaysSinceLastVisit(e.asOf)
		if !ok {
			days[i] = -1
			continue
		}
		// A visit after asOf (backdated run) counts as today.
		d = max(d, 0)
		days[i], visited[i] = d, true
		rec := -float64(d)
		cols[FeatureRecency][i] = rec
		if !seenVisit || rec < worstRecency {
			worstRecency = rec
		}
		seenVisit = true
	}
	for i := range recs {
		if !visited[i] {
			cols[FeatureRecency][i] = worstRecency
		}
	}

	weights, source := ComputeWeights(cols, n, e.cfg)

	scaled := make(map[string][]float64, len(Features))
	for _, f := range Features {
		scaled[f] = robustScale(cols[f], e.cfg.LowerPercentile, e.cfg.UpperPercentile, e.cfg.NeutralScale)
	}

	hash := ConfigHash(e.cfg)
	report := &Report{
		RunID:         RunID(m.Version, e.asOf, hash),
		ConfigHash:    hash,
		AsOf:          e.asOf,
		MasterVersion: m.Version,
		Population:    n,
		WeightSource:  source,
		Weights:       weights,
		Records:       make([]Record, 0, n),
	}

	for i, r := range recs {
		out := Record{
			Key:            r.Key,
			Name:           r.Name,
			Phone:          r.Phone,
			Staff:          e.assigner.Assign(r),
			Tags:           r.Tags,
			VIPTier:        r.VIPTier,
			Revenue:        r.Revenue,
			VisitCount:     r.VisitCount,
			LastVisit:      r.LastVisit,
			DaysSinceVisit: days[i],
			PurchaseStatus: r.PurchaseStatusAt(e.asOf, e.cfg.LapseDays, e.cfg.PartialRatio),
			Features:       make(map[string]float64, len(Features)),
			Scaled:         make(map[string]float64, len(Features)),
		}
		var composite float64
		for _, f := range Features {
			out.Features[f] = cols[f][i]
			out.Scaled[f] = scaled[f][i]
			composite += weights[f] * scaled[f][i]
		}
		out.Score = round2(math.Max(0, math.Min(100, composite*100)))

		band := e.bands.Classify(out.Score)
		out.Tier, out.TierRank = band.Label, band.Rank
		if e.isDormant(r, days[i], visited[i]) {
			out.Dormant = true
			out.Tier = e.cfg.DormantLabel
			out.TierRank = len(e.bands)
		}
		report.Records = append(report.Records, out)
	}

	SortRecords(report.Records)
	report.Segments = e.segments(report.Records)

	log.Info("scored master",
		zap.String("run_id", report.RunID),
		zap.Int("population", n),
		zap.String("weight_source", source),
		zap.Int("segments", len(report.Segments)),
	)
	return report, nil
}

func (e *Engine) isDormant(r model.MasterRecord, days int, visited bool) bool {
	if e.cfg.DormantAfterDays <= 0 || e.cfg.DormantLabel == "" {
		return false
	}
	if !r.Revenue.IsPositive() {
		return true
	}
	return !visited || days > e.cfg.DormantAfterDays
}

func (e *Engine) segments(records []Record) []Segment {
	byStaff := make(map[string][]Record)
	for _, r := range records {
		byStaff[r.Staff] = append(byStaff[r.Staff], r)
	}
	staff := make([]string, 0, len(byStaff))
	for s := range byStaff {
		staff = append(staff, s)
	}
	sort.Strings(staff)

	out := make([]Segment, 0, len(staff))
	for _, s := range staff {
		seg := Segment{Staff: s, Records: byStaff[s]}
		if e.cfg.TargetMaxDays > 0 {
			seg.Targets = []Record{}
			for _, r := range seg.Records {
				if r.DaysSinceVisit >= e.cfg.TargetMinDays && r.DaysSinceVisit <= e.cfg.TargetMaxDays {
					seg.Targets = append(seg.Targets, r)
				}
			}
		}
		out = append(out, seg)
	}
	return out
}

// SortRecords orders records by tier rank, then score descending, then key.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.TierRank != b.TierRank {
			return a.TierRank < b.TierRank
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Key < b.Key
	})
}

// ConfigHash returns a SHA-256 hash of the scoring config for reproducibility.
func ConfigHash(cfg interface{}) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:16]) // 32 hex chars
}

// RunID derives a stable run id from the inputs that determine a report.
func RunID(version int64, asOf time.Time, configHash string) string {
	name := fmt.Sprintf("%d|%s|%s", version, asOf.Format("2006-01-02"), configHash)
	return uuid.NewSHA1(runNamespace, []byte(name)).String()
}
