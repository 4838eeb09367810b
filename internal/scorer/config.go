// Package scorer ranks patients by a data-driven engagement score.
package scorer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinic-crm/internal/config"
)

// Feature names. The weight map and fallback weights are keyed by these.
const (
	FeatureNetRevenue  = "net_revenue"
	FeatureVisitCount  = "visit_count"
	FeatureAvgPurchase = "avg_purchase"
	FeatureRecency     = "recency"
)

// Features lists every scored feature in column order.
var Features = []string{FeatureNetRevenue, FeatureVisitCount, FeatureAvgPurchase, FeatureRecency}

// DefaultScoringConfig returns a config.ScoringConfig with sensible defaults.
func DefaultScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		Bands: []config.BandConfig{
			{Min: 85, Label: "A1"},
			{Min: 70, Label: "A2"},
			{Min: 50, Label: "B1"},
			{Min: 30, Label: "B2"},
			{Min: 0, Label: "C"},
		},
		FallbackWeights: map[string]float64{
			FeatureNetRevenue:  0.4,
			FeatureVisitCount:  0.3,
			FeatureAvgPurchase: 0.3,
		},
		MinPopulation:    3,
		LowerPercentile:  0.10,
		UpperPercentile:  0.90,
		NeutralScale:     0.5,
		DormantAfterDays: 90,
		DormantLabel:     "D",
		TargetMinDays:    45,
		TargetMaxDays:    90,
		LapseDays:        120,
		PartialRatio:     0.66,
	}
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	if _, err := NewBandTable(c.Bands); err != nil {
		errs = append(errs, err.Error())
	}

	known := make(map[string]bool, len(Features))
	for _, f := range Features {
		known[f] = true
	}
	var sum float64
	for name, w := range c.FallbackWeights {
		if !known[name] {
			errs = append(errs, fmt.Sprintf("fallback weight %q is not a feature", name))
		}
		if w < 0 || math.IsNaN(w) {
			errs = append(errs, fmt.Sprintf("fallback weight %s must be >= 0", name))
		}
		sum += w
	}
	if sum <= 0 {
		errs = append(errs, "fallback weight sum must be > 0")
	}

	if c.LowerPercentile < 0 || c.UpperPercentile > 1 || c.LowerPercentile >= c.UpperPercentile {
		errs = append(errs, "percentiles must satisfy 0 <= lower < upper <= 1")
	}
	if c.NeutralScale < 0 || c.NeutralScale > 1 {
		errs = append(errs, "neutral_scale must be between 0 and 1")
	}
	if c.MinPopulation < 0 {
		errs = append(errs, "min_population must be >= 0")
	}
	if c.DormantAfterDays > 0 && c.DormantLabel == "" {
		errs = append(errs, "dormant_label is required when dormant_after_days is set")
	}
	if c.TargetMaxDays > 0 && c.TargetMaxDays < c.TargetMinDays {
		errs = append(errs, "target_max_days must be >= target_min_days")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
