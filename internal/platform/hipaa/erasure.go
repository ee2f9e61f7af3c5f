package hipaa

import "fmt"

type Action string

const (
	ActionAnonymize Action = "ANONYMIZE"
	ActionRetain    Action = "RETAIN"
)

// RetentionPolicy says what happens to a category when a user's erasure
// request is finalized.
type RetentionPolicy struct {
	Category       Category `json:"category"`
	Action         Action   `json:"action"`
	RetentionYears int      `json:"retention_years,omitempty"`
	Description    string   `json:"description"`
}

// DefaultRetentionPolicies anonymizes personal identifiers and keeps the
// clinical, consent and audit skeleton for the HIPAA six-year minimum.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{Category: CategoryIdentity, Action: ActionAnonymize, Description: "Names are replaced with a placeholder"},
		{Category: CategoryContact, Action: ActionAnonymize, Description: "Email and phone are replaced or cleared"},
		{Category: CategoryCredential, Action: ActionAnonymize, Description: "MFA secrets are destroyed"},
		{Category: CategoryDevice, Action: ActionAnonymize, Description: "Device fingerprints are cleared"},
		{Category: CategoryClinical, Action: ActionRetain, RetentionYears: 6, Description: "Medical records: 6 years from last date of service"},
		{Category: CategoryConsent, Action: ActionRetain, RetentionYears: 10, Description: "Consent history demonstrates past authorization"},
		{Category: CategoryAudit, Action: ActionRetain, RetentionYears: 6, Description: "Access events are append-only"},
	}
}

// ErasurePlan is the resolved per-column outcome of a deletion.
type ErasurePlan struct {
	Anonymize []Column
	Retain    []Column
}

// NewErasurePlan resolves every catalogued column against policies. A column
// whose category has no policy is an error: nothing is erased by default.
func NewErasurePlan(policies []RetentionPolicy) (ErasurePlan, error) {
	byCat := make(map[Category]Action, len(policies))
	for _, p := range policies {
		byCat[p.Category] = p.Action
	}

	var plan ErasurePlan
	for _, c := range PHIColumns() {
		switch byCat[c.Category] {
		case ActionAnonymize:
			plan.Anonymize = append(plan.Anonymize, c)
		case ActionRetain:
			plan.Retain = append(plan.Retain, c)
		default:
			return ErasurePlan{}, fmt.Errorf("erasure plan: no policy for category %s (%s)", c.Category, c.Key())
		}
	}
	return plan, nil
}

// AnonymizedColumns returns the planned anonymizations for one table.
func (p ErasurePlan) AnonymizedColumns(table string) []Column {
	var out []Column
	for _, c := range p.Anonymize {
		if c.Table == table {
			out = append(out, c)
		}
	}
	return out
}

// Replacement is the value written over an anonymized column. A nil result
// means the column is set to NULL.
func Replacement(c Column, userID string) interface{} {
	switch c.Key() {
	case UserFirstName.Key():
		return "Deleted"
	case UserLastName.Key():
		return "User"
	case UserEmail.Key():
		return "deleted-" + userID + "@erased.invalid"
	default:
		return nil
	}
}
