package heuristics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultLeaders is the number of leaders reported per side.
const DefaultLeaders = 10

// DefaultConcentrationPct is the cumulative share bounding the amount
// concentration ranking.
const DefaultConcentrationPct = 70

var hundred = decimal.NewFromInt(100)

// Leader summarizes one case member on one side of its transactions.
type Leader struct {
	PartyID        string          `json:"partyId"`
	Document       string          `json:"document,omitempty"`
	Occupation     string          `json:"occupation,omitempty"`
	Operations     int             `json:"operations"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	AverageAmount  decimal.Decimal `json:"averageAmount"`
	FirstDate      string          `json:"firstDate"`
	LastDate       string          `json:"lastDate"`
	Counterparties int             `json:"counterparties"`
}

// OrderingLeaders ranks case members by the amount they ordered.
func OrderingLeaders(s *Snapshot, limit int) []Leader {
	return leaders(s, limit, func(tx *domain.Transaction) (string, string) {
		return tx.OrderingPartyID, tx.BeneficiaryPartyID
	})
}

// BeneficiaryLeaders ranks case members by the amount they received.
func BeneficiaryLeaders(s *Snapshot, limit int) []Leader {
	return leaders(s, limit, func(tx *domain.Transaction) (string, string) {
		return tx.BeneficiaryPartyID, tx.OrderingPartyID
	})
}

func leaders(s *Snapshot, limit int, sides func(*domain.Transaction) (focal, other string)) []Leader {
	type acc struct {
		txSet
		first, last time.Time
		others      map[string]bool
	}

	groups := make(map[string]*acc)
	var order []string
	for _, tx := range s.Transactions {
		focal, other := sides(tx)
		if !s.IsMember(focal) {
			continue
		}
		g, ok := groups[focal]
		if !ok {
			g = &acc{first: tx.Day(), others: make(map[string]bool)}
			groups[focal] = g
			order = append(order, focal)
		}
		g.add(tx)
		g.last = tx.Day()
		g.others[other] = true
	}

	out := make([]Leader, 0, len(order))
	for _, id := range order {
		g := groups[id]
		l := Leader{
			PartyID:        id,
			Operations:     g.count,
			TotalAmount:    g.amount,
			AverageAmount:  g.amount.Div(decimal.NewFromInt(int64(g.count))).Round(2),
			FirstDate:      g.first.Format(dateLayout),
			LastDate:       g.last.Format(dateLayout),
			Counterparties: len(g.others),
		}
		if p, ok := s.Party(id); ok {
			l.Document = p.Document
			l.Occupation = p.Occupation
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalAmount.GreaterThan(out[j].TotalAmount) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ConcentrationEntry is one ordering party in the amount concentration
// ranking.
type ConcentrationEntry struct {
	PartyID       string          `json:"partyId"`
	Document      string          `json:"document,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Operations    int             `json:"operations"`
	SharePct      decimal.Decimal `json:"sharePct"`
	CumulativePct decimal.Decimal `json:"cumulativePct"`
}

// AmountConcentration ranks ordering case members by amount and keeps those
// whose cumulative share of the case total stays within thresholdPct.
// The case total counts every transaction with a member on either side.
func AmountConcentration(s *Snapshot, thresholdPct float64) []ConcentrationEntry {
	total := decimal.Zero
	for _, tx := range s.Transactions {
		if s.IsMember(tx.OrderingPartyID) || s.IsMember(tx.BeneficiaryPartyID) {
			total = total.Add(tx.Amount)
		}
	}
	out := []ConcentrationEntry{}
	if !total.IsPositive() {
		return out
	}

	limit := decimal.NewFromFloat(thresholdPct)
	cumulative := decimal.Zero
	for _, l := range OrderingLeaders(s, 0) {
		cumulative = cumulative.Add(l.TotalAmount)
		cumulativePct := cumulative.Mul(hundred).Div(total)
		if cumulativePct.GreaterThan(limit) {
			break
		}
		out = append(out, ConcentrationEntry{
			PartyID:       l.PartyID,
			Document:      l.Document,
			Amount:        l.TotalAmount,
			Operations:    l.Operations,
			SharePct:      l.TotalAmount.Mul(hundred).Div(total).Round(2),
			CumulativePct: cumulativePct.Round(2),
		})
	}
	return out
}
