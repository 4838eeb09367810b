package resolve

import (
	"sort"

	"github.com/sells-group/clinic-crm/internal/model"
)

// MatchKind tags the outcome of identity resolution.
type MatchKind string

const (
	Matched   MatchKind = "matched"
	Ambiguous MatchKind = "ambiguous"
	Unmatched MatchKind = "unmatched"
)

// Match reasons.
const (
	ReasonPhone         = "phone"
	ReasonNameBirth     = "name_birth"
	ReasonNameChart     = "name_chart"
	ReasonPhoneConflict = "phone_conflict"
	ReasonNameOnly      = "name_only"
	ReasonKeyCollision  = "key_collision"
	ReasonNew           = "new"
	ReasonNoIdentity    = "no_identity"
)

// MatchResult is the tagged result of Resolve.
//
// Matched carries the existing patient's key. Unmatched carries the key the
// record would be created under, or "" when no key can be derived. Ambiguous
// carries every candidate; the caller must not merge it.
type MatchResult struct {
	Kind       MatchKind           `json:"kind"`
	Key        model.IdentityKey   `json:"key,omitempty"`
	Candidates []model.IdentityKey `json:"candidates,omitempty"`
	Reason     string              `json:"reason"`
}

// Index is the read-only view of the master registry the resolver needs.
type Index interface {
	Has(key model.IdentityKey) bool
	ByPhone(phone string) (model.MasterRecord, bool)
	ByName(name string) []model.MasterRecord
}

// Resolve maps a raw record to a patient. It does not mutate idx.
//
// Resolution order:
//  1. Exact normalized phone. A birth date on both sides that disagrees is
//     a conflict and yields Ambiguous.
//  2. Normalized name + birth date, else normalized name + chart number.
//     One candidate matches; several are Ambiguous.
//  3. A name with no phone and no disambiguator is Ambiguous when any
//     patient shares the name.
//  4. Otherwise Unmatched under the record's own derived key, unless that
//     key is already taken by another patient.
func Resolve(rec model.RawRecord, idx Index) MatchResult {
	phone := NormalizePhone(rec.Phone)
	name := NormalizeName(rec.Name)

	if phone != "" {
		if m, ok := idx.ByPhone(phone); ok {
			if !rec.BirthDate.IsZero() && !m.BirthDate.IsZero() && !sameDay(rec.BirthDate, m.BirthDate) {
				cands := []model.IdentityKey{m.Key}
				for _, c := range idx.ByName(name) {
					if c.Key != m.Key && sameDay(c.BirthDate, rec.BirthDate) {
						cands = append(cands, c.Key)
					}
				}
				return ambiguous(cands, ReasonPhoneConflict)
			}
			return MatchResult{Kind: Matched, Key: m.Key, Reason: ReasonPhone}
		}
	}

	if name != "" {
		cands := idx.ByName(name)
		chart := NormalizeChartNo(rec.ChartNo)

		var hits []model.IdentityKey
		var reason string
		switch {
		case !rec.BirthDate.IsZero():
			reason = ReasonNameBirth
			for _, c := range cands {
				if sameDay(c.BirthDate, rec.BirthDate) {
					hits = append(hits, c.Key)
				}
			}
		case chart != "":
			reason = ReasonNameChart
			for _, c := range cands {
				if c.ChartNo == chart {
					hits = append(hits, c.Key)
				}
			}
		case phone == "" && len(cands) > 0:
			keys := make([]model.IdentityKey, 0, len(cands))
			for _, c := range cands {
				keys = append(keys, c.Key)
			}
			return ambiguous(keys, ReasonNameOnly)
		}

		switch len(hits) {
		case 0:
		case 1:
			return MatchResult{Kind: Matched, Key: hits[0], Reason: reason}
		default:
			return ambiguous(hits, reason)
		}
	}

	key, ok := KeyFor(rec)
	if !ok {
		return MatchResult{Kind: Unmatched, Reason: ReasonNoIdentity}
	}
	if idx.Has(key) {
		return ambiguous([]model.IdentityKey{key}, ReasonKeyCollision)
	}
	return MatchResult{Kind: Unmatched, Key: key, Reason: ReasonNew}
}

func ambiguous(keys []model.IdentityKey, reason string) MatchResult {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return MatchResult{Kind: Ambiguous, Candidates: keys, Reason: reason}
}
