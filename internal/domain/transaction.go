package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single money movement recorded against a case.
// Transactions are owned by the ingestion side; Kestrel only reads them.
type Transaction struct {
	// Core identifiers
	ID string `json:"id"`

	// Parties involved. ExecutingPartyID is optional.
	OrderingPartyID    string `json:"orderingPartyId"`
	BeneficiaryPartyID string `json:"beneficiaryPartyId"`
	ExecutingPartyID   string `json:"executingPartyId,omitempty"`

	// Accounts (optional, both sides)
	OrderingAccount    string `json:"orderingAccount,omitempty"`
	BeneficiaryAccount string `json:"beneficiaryAccount,omitempty"`

	// Financial details
	Amount decimal.Decimal `json:"amount"`

	// Temporal. OperationTime is an optional "HH:MM:SS" time of day.
	OperationDate time.Time `json:"operationDate"`
	OperationTime string    `json:"operationTime,omitempty"`

	// Descriptive
	Channel       string `json:"channel,omitempty"`
	OperationType string `json:"operationType,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// Malformed is set by the gateway when a stored row could not be
	// decoded. Consumers skip such records and count them.
	Malformed bool `json:"-"`
}

// Timestamp combines the operation date with the optional time of day.
// A missing or unparseable time counts as midnight.
func (t *Transaction) Timestamp() time.Time {
	day := time.Date(t.OperationDate.Year(), t.OperationDate.Month(), t.OperationDate.Day(), 0, 0, 0, 0, time.UTC)
	if t.OperationTime == "" {
		return day
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if tod, err := time.Parse(layout, t.OperationTime); err == nil {
			return day.Add(time.Duration(tod.Hour())*time.Hour +
				time.Duration(tod.Minute())*time.Minute +
				time.Duration(tod.Second())*time.Second)
		}
	}
	return day
}

// Day returns the operation date truncated to midnight UTC.
func (t *Transaction) Day() time.Time {
	return time.Date(t.OperationDate.Year(), t.OperationDate.Month(), t.OperationDate.Day(), 0, 0, 0, 0, time.UTC)
}

// Involves reports whether the party sits on any side of the transaction.
func (t *Transaction) Involves(partyID string) bool {
	return t.OrderingPartyID == partyID || t.BeneficiaryPartyID == partyID ||
		(t.ExecutingPartyID != "" && t.ExecutingPartyID == partyID)
}

// PartyKind distinguishes natural persons from legal entities.
type PartyKind string

const (
	PartyNatural PartyKind = "natural"
	PartyLegal   PartyKind = "legal"
)

// Party is a person or company that appears in transactions.
// TotalOperations and TotalAmount are running aggregates kept by ingestion;
// Kestrel only reads them.
type Party struct {
	ID              string          `json:"id"`
	Document        string          `json:"document"`
	Kind            PartyKind       `json:"kind,omitempty"`
	Name            string          `json:"name,omitempty"`
	Occupation      string          `json:"occupation,omitempty"`
	TotalOperations int             `json:"totalOperations"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
}

// MemberRole is the role a party plays in a case.
type MemberRole string

const (
	RoleInvestigated MemberRole = "INVESTIGATED"
	RoleRelated      MemberRole = "RELATED"
	RoleWitness      MemberRole = "WITNESS"
)

// CaseMember links a party to a case.
type CaseMember struct {
	CaseID  string     `json:"caseId"`
	PartyID string     `json:"partyId"`
	Role    MemberRole `json:"role"`
	Reason  string     `json:"reason,omitempty"`
	AddedAt time.Time  `json:"addedAt"`
}
