package domain

import (
	"errors"
	"time"
)

// DetectionState is the analyst review state of a detection.
type DetectionState string

const (
	StateNew       DetectionState = "NEW"
	StateReviewed  DetectionState = "REVIEWED"
	StateConfirmed DetectionState = "CONFIRMED"
	StateDismissed DetectionState = "DISMISSED"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid detection state transition")

// CanTransition reports whether a detection may move from s to next.
// NEW -> REVIEWED -> CONFIRMED | DISMISSED.
func (s DetectionState) CanTransition(next DetectionState) bool {
	switch s {
	case StateNew:
		return next == StateReviewed
	case StateReviewed:
		return next == StateConfirmed || next == StateDismissed
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s DetectionState) Valid() bool {
	switch s {
	case StateNew, StateReviewed, StateConfirmed, StateDismissed:
		return true
	}
	return false
}

// Detection is a persisted finding. Rows are append-only: a re-run of the
// same case produces new rows tagged with a new RunID.
type Detection struct {
	ID           string `json:"id"`
	CaseID       string `json:"caseId"`
	RunID        string `json:"runId"`
	TypologyID   string `json:"typologyId"`
	TypologyCode string `json:"typologyCode"`

	// PartyID is empty for graph-level findings.
	PartyID string `json:"partyId,omitempty"`

	// Confidence is an integer in [0, 100].
	Confidence int `json:"confidence"`

	Evidence       map[string]any `json:"evidence"`
	TransactionIDs []string       `json:"transactionIds"`

	State     DetectionState `json:"state"`
	Notes     string         `json:"notes,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt,omitempty"`
}

// DetectionSummary is what a detection run returns per persisted row.
type DetectionSummary struct {
	DetectionID  string `json:"detectionId"`
	TypologyCode string `json:"typologyCode"`
	TypologyName string `json:"typologyName"`
	PartyID      string `json:"partyId,omitempty"`
	Confidence   int    `json:"confidence"`
}

// DetectionView is a detection joined with its catalog entry, as listed
// for analysts.
type DetectionView struct {
	Detection
	TypologyName string `json:"typologyName"`
	Category     string `json:"category"`
	RiskWeight   int    `json:"riskWeight"`
}
