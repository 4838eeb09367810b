package reconcile

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/registry"
	"github.com/sells-group/clinic-crm/internal/resolve"
)

// AmbiguousTag is a tag row that matched more than one patient.
type AmbiguousTag struct {
	Row        model.TagRow        `json:"row"`
	Candidates []model.IdentityKey `json:"candidates"`
	Reason     string              `json:"reason"`
}

// TagSummary is the result of MergeTags.
type TagSummary struct {
	Status    Status         `json:"status"`
	Rows      int            `json:"rows"`
	Matched   int            `json:"matched"`
	Updated   int            `json:"updated"`
	Empty     int            `json:"empty"`
	Unmatched []model.TagRow `json:"unmatched,omitempty"`
	Ambiguous []AmbiguousTag `json:"ambiguous,omitempty"`
	Version   int64          `json:"version"`
}

// MergeTags unions tag rows into existing patients. Rows resolve by chart
// number first, then by phone and name. Unknown patients are reported and
// never created.
func (r *Reconciler) MergeTags(rows []model.TagRow, m *registry.Master) (*TagSummary, error) {
	if m == nil {
		return nil, eris.New("reconcile: nil master")
	}
	log := zap.L().With(zap.String("component", "reconcile.tags"))

	sum := &TagSummary{Rows: len(rows)}
	for _, row := range rows {
		tags := model.NewTagSet(row.Tags...)
		if len(tags) == 0 {
			sum.Empty++
			continue
		}

		hit := lookupTagRow(row, m)
		switch {
		case hit.ambiguous:
			sum.Ambiguous = append(sum.Ambiguous, AmbiguousTag{Row: row, Candidates: hit.candidates, Reason: hit.reason})
			continue
		case hit.key == "":
			sum.Unmatched = append(sum.Unmatched, row)
			continue
		}

		cur, _ := m.Get(hit.key)
		sum.Matched++
		merged := cur.Tags.Union(tags...)
		if merged.Equal(cur.Tags) {
			continue
		}
		cur.Tags = merged
		m.Put(cur)
		sum.Updated++
	}

	switch {
	case len(sum.Unmatched) > 0 || len(sum.Ambiguous) > 0:
		sum.Status = StatusPartial
	case sum.Updated == 0:
		sum.Status = StatusNoop
	default:
		sum.Status = StatusOK
	}
	if sum.Updated > 0 {
		m.Bump(r.Now())
	}
	sum.Version = m.Version

	log.Info("tags merged",
		zap.Int("rows", sum.Rows),
		zap.Int("matched", sum.Matched),
		zap.Int("updated", sum.Updated),
		zap.Int("unmatched", len(sum.Unmatched)),
		zap.Int("ambiguous", len(sum.Ambiguous)),
	)
	return sum, nil
}

type tagHit struct {
	key        model.IdentityKey
	candidates []model.IdentityKey
	reason     string
	ambiguous  bool
}

// lookupTagRow resolves a tag row by chart number, then by phone and name.
func lookupTagRow(row model.TagRow, m *registry.Master) tagHit {
	if chart := resolve.NormalizeChartNo(row.ChartNo); chart != "" {
		hits := m.ByChart(chart)
		if name := resolve.NormalizeName(row.Name); name != "" && len(hits) > 1 {
			var named []model.MasterRecord
			for _, h := range hits {
				if resolve.NormalizeName(h.Name) == name {
					named = append(named, h)
				}
			}
			hits = named
		}
		switch len(hits) {
		case 0:
		case 1:
			return tagHit{key: hits[0].Key, reason: "chart"}
		default:
			keys := make([]model.IdentityKey, len(hits))
			for i, h := range hits {
				keys[i] = h.Key
			}
			return tagHit{candidates: keys, reason: "chart_shared", ambiguous: true}
		}
	}

	res := resolve.Resolve(model.RawRecord{Row: row.Row, Name: row.Name, Phone: row.Phone, ChartNo: row.ChartNo}, m)
	switch res.Kind {
	case resolve.Matched:
		return tagHit{key: res.Key, reason: res.Reason}
	case resolve.Ambiguous:
		return tagHit{candidates: res.Candidates, reason: res.Reason, ambiguous: true}
	}
	return tagHit{reason: res.Reason}
}
