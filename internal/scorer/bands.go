package scorer

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinic-crm/internal/config"
)

// Band is one closed-open score interval of the tier table.
type Band struct {
	Min   float64 `json:"min"`
	Label string  `json:"label"`
	Rank  int     `json:"rank"`
}

// BandTable maps a composite score to a tier. Bands are ordered from the
// highest lower bound down; the last band starts at 0.
type BandTable []Band

// NewBandTable validates and orders the configured bands.
func NewBandTable(cfg []config.BandConfig) (BandTable, error) {
	if len(cfg) == 0 {
		return nil, eris.New("scorer: band table is empty")
	}
	t := make(BandTable, len(cfg))
	seen := make(map[string]bool, len(cfg))
	for i, b := range cfg {
		if b.Label == "" {
			return nil, eris.Errorf("scorer: band %d has no label", i)
		}
		if seen[b.Label] {
			return nil, eris.Errorf("scorer: band label %q is duplicated", b.Label)
		}
		seen[b.Label] = true
		if b.Min < 0 || b.Min > 100 {
			return nil, eris.Errorf("scorer: band %q lower bound %.2f outside [0,100]", b.Label, b.Min)
		}
		t[i] = Band{Min: b.Min, Label: b.Label}
	}
	sort.SliceStable(t, func(i, j int) bool { return t[i].Min > t[j].Min })
	for i := 1; i < len(t); i++ {
		if t[i].Min == t[i-1].Min {
			return nil, eris.Errorf("scorer: bands %q and %q share lower bound %.2f", t[i-1].Label, t[i].Label, t[i].Min)
		}
	}
	if t[len(t)-1].Min != 0 {
		return nil, eris.New("scorer: band table must start at 0")
	}
	for i := range t {
		t[i].Rank = i
	}
	return t, nil
}

// Classify returns the band containing score.
func (t BandTable) Classify(score float64) Band {
	for _, b := range t {
		if score >= b.Min {
			return b
		}
	}
	return t[len(t)-1]
}

// Floor is the lowest band.
func (t BandTable) Floor() Band {
	return t[len(t)-1]
}
