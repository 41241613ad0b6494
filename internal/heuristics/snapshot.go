// Package heuristics implements the typology detectors that scan a case's
// transactions for laundering patterns.
package heuristics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Snapshot is an immutable view of a case taken at the start of a run.
// Every detector in the run reads the same snapshot.
type Snapshot struct {
	CaseID string
	AsOf   time.Time

	// Transactions are ordered by timestamp, then id.
	Transactions []*domain.Transaction

	members map[string]*domain.CaseMember
	parties map[string]*domain.Party
	byID    map[string]*domain.Transaction
	skipped int
}

// NewSnapshot validates and orders the case data. Records the gateway could
// not decode, records missing a party or a date, and records carrying a
// negative amount are dropped and counted.
func NewSnapshot(caseID string, asOf time.Time, txs []*domain.Transaction, members []*domain.CaseMember, parties map[string]*domain.Party) *Snapshot {
	s := &Snapshot{
		CaseID:  caseID,
		AsOf:    asOf.UTC(),
		members: make(map[string]*domain.CaseMember, len(members)),
		parties: parties,
		byID:    make(map[string]*domain.Transaction, len(txs)),
	}
	if s.parties == nil {
		s.parties = map[string]*domain.Party{}
	}
	for _, m := range members {
		s.members[m.PartyID] = m
	}

	for _, tx := range txs {
		if tx.Malformed || tx.OrderingPartyID == "" || tx.BeneficiaryPartyID == "" || tx.OperationDate.IsZero() || tx.Amount.IsNegative() {
			s.skipped++
			slog.Debug("skipping malformed transaction", "case_id", caseID, "transaction_id", tx.ID)
			continue
		}
		if _, dup := s.byID[tx.ID]; dup {
			continue
		}
		s.byID[tx.ID] = tx
		s.Transactions = append(s.Transactions, tx)
	}

	sort.SliceStable(s.Transactions, func(i, j int) bool {
		a, b := s.Transactions[i].Timestamp(), s.Transactions[j].Timestamp()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return s.Transactions[i].ID < s.Transactions[j].ID
	})
	return s
}

// LoadSnapshot reads a case through the gateway.
func LoadSnapshot(ctx context.Context, gw domain.CaseGateway, caseID string, asOf time.Time) (*Snapshot, error) {
	txs, err := gw.TransactionsForCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	members, err := gw.CaseMembers(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, m := range members {
		add(m.PartyID)
	}
	for _, tx := range txs {
		add(tx.OrderingPartyID)
		add(tx.BeneficiaryPartyID)
		add(tx.ExecutingPartyID)
	}

	parties, err := gw.Parties(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load parties: %w", err)
	}
	return NewSnapshot(caseID, asOf, txs, members, parties), nil
}

// IsMember reports whether the party belongs to the case.
func (s *Snapshot) IsMember(partyID string) bool {
	_, ok := s.members[partyID]
	return ok
}

// Members returns the case members ordered by party id.
func (s *Snapshot) Members() []*domain.CaseMember {
	out := make([]*domain.CaseMember, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyID < out[j].PartyID })
	return out
}

// Party returns a party record if known.
func (s *Snapshot) Party(id string) (*domain.Party, bool) {
	p, ok := s.parties[id]
	return p, ok
}

// Parties returns all known party records keyed by id.
func (s *Snapshot) Parties() map[string]*domain.Party { return s.parties }

// Contains reports whether a transaction id is in scope.
func (s *Snapshot) Contains(txID string) bool {
	_, ok := s.byID[txID]
	return ok
}

// Skipped returns how many records were dropped as malformed.
func (s *Snapshot) Skipped() int { return s.skipped }

// Since returns the transactions operated on or after the day that lies
// days before AsOf.
func (s *Snapshot) Since(days int) []*domain.Transaction {
	cutoff := startOfDay(s.AsOf).AddDate(0, 0, -days)
	var out []*domain.Transaction
	for _, tx := range s.Transactions {
		if !tx.Day().Before(cutoff) {
			out = append(out, tx)
		}
	}
	return out
}

// Fingerprint identifies the exact transaction set of the snapshot together
// with the document of every known party, since detectors key identities on
// documents.
func (s *Snapshot) Fingerprint() string {
	h := sha256.New()
	for _, tx := range s.Transactions {
		fmt.Fprintf(h, "%s|%s|%s|%s|%s\n", tx.ID, tx.OrderingPartyID, tx.BeneficiaryPartyID, tx.Amount.String(), tx.Timestamp().Format(time.RFC3339))
	}
	ids := make([]string, 0, len(s.parties))
	for id := range s.parties {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if p := s.parties[id]; p != nil {
			fmt.Fprintf(h, "party|%s|%s\n", id, p.Document)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
