package scorer

import (
	"math"

	"github.com/sells-group/clinic-crm/internal/config"
)

// Weights maps feature name to its non-negative weight.
type Weights map[string]float64

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

// Weight sources recorded on the report.
const (
	WeightsCorrelation = "correlation"
	WeightsFallback    = "fallback"
	WeightsEmpty       = "empty"
)

// ComputeWeights derives per-feature weights from the absolute Pearson
// correlation of each feature column with net revenue. Undefined
// correlations count as 0 and the rest are renormalized. When the population
// is below cfg.MinPopulation, or every correlation is undefined, the
// configured fallback weights are used instead. An empty population yields
// all-zero weights.
func ComputeWeights(cols map[string][]float64, n int, cfg config.ScoringConfig) (Weights, string) {
	w := make(Weights, len(Features))
	for _, f := range Features {
		w[f] = 0
	}
	if n == 0 {
		return w, WeightsEmpty
	}
	if n < cfg.MinPopulation {
		return fallbackWeights(cfg), WeightsFallback
	}

	target := cols[FeatureNetRevenue]
	var total float64
	for _, f := range Features {
		r, ok := pearson(cols[f], target)
		if !ok {
			continue
		}
		w[f] = math.Abs(r)
		total += w[f]
	}
	if total == 0 {
		return fallbackWeights(cfg), WeightsFallback
	}
	for f := range w {
		w[f] /= total
	}
	return w, WeightsCorrelation
}

func fallbackWeights(cfg config.ScoringConfig) Weights {
	w := make(Weights, len(Features))
	var total float64
	for _, f := range Features {
		v := cfg.FallbackWeights[f]
		if v < 0 || math.IsNaN(v) {
			v = 0
		}
		w[f] = v
		total += v
	}
	if total == 0 {
		for _, f := range Features {
			w[f] = 1 / float64(len(Features))
		}
		return w
	}
	for f := range w {
		w[f] /= total
	}
	return w
}
