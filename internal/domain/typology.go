package domain

import "time"

// Typology is a catalog entry describing one detectable laundering pattern.
// Parameters is a free-form bag; the heuristic that owns Code decodes it.
type Typology struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`

	// RiskWeight is an integer from 0 to 10.
	RiskWeight int `json:"riskWeight"`

	Parameters map[string]any `json:"parameters"`

	// Gate is an optional CEL boolean expression evaluated per candidate.
	// Candidates for which it evaluates to false are not recorded.
	Gate string `json:"gate,omitempty"`

	Active bool `json:"active"`

	// Audit timestamps
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Typology codes known to the heuristic library.
const (
	CodeStructuring       = "TIP001"
	CodeFunnelBeneficiary = "TIP002"
	CodeDispersion        = "TIP003"
	CodeCircular          = "TIP004"
	CodeSimilarAmounts    = "TIP005"
	CodeShortWindow       = "TIP006"
	CodeLayeringChain     = "TIP007"
	CodeRapidPassThrough  = "TIP008"
	CodeFrequencyAnomaly  = "TIP009"
	CodeRoundAmounts      = "TIP010"
)
