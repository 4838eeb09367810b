package scorer

import (
	"strings"

	"github.com/sells-group/clinic-crm/internal/config"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/resolve"
)

// Unassigned is the segment for patients no rule or staff field covers.
const Unassigned = "unassigned"

// Assigner picks the staff member responsible for a patient.
type Assigner interface {
	Assign(rec model.MasterRecord) string
}

// FieldAssigner assigns each patient to the staff of their latest visit.
type FieldAssigner struct{}

// Assign implements Assigner.
func (FieldAssigner) Assign(rec model.MasterRecord) string {
	if s := strings.TrimSpace(rec.Staff); s != "" {
		return s
	}
	return Unassigned
}

// RuleAssigner applies the first matching staff rule, then falls back to
// the record's own staff field.
type RuleAssigner struct {
	Rules []config.StaffRule
}

// Assign implements Assigner.
func (a RuleAssigner) Assign(rec model.MasterRecord) string {
	name := resolve.NormalizeName(rec.Name)
	for _, rule := range a.Rules {
		for _, tag := range rule.Tags {
			if rec.Tags.Contains(tag) {
				return rule.Staff
			}
		}
		for _, g := range rule.Groups {
			// Group letters trail the name, e.g. "홍길동A".
			if g = resolve.NormalizeName(g); g != "" && name != g && strings.HasSuffix(name, g) {
				return rule.Staff
			}
		}
	}
	return FieldAssigner{}.Assign(rec)
}
