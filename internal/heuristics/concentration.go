package heuristics

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectFunnel flags case members receiving from many distinct ordering
// parties within WindowDays of the snapshot date.
func DetectFunnel(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	return fanIn(ctx, s, p.WindowDays, p.MinOrdering,
		func(tx *domain.Transaction) (string, string) { return tx.BeneficiaryPartyID, tx.OrderingPartyID },
		"ordering_parties")
}

// DetectDispersion flags case members paying many distinct beneficiaries
// within WindowDays of the snapshot date.
func DetectDispersion(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	return fanIn(ctx, s, p.WindowDays, p.MinBeneficiaries,
		func(tx *domain.Transaction) (string, string) { return tx.OrderingPartyID, tx.BeneficiaryPartyID },
		"beneficiaries")
}

// fanIn groups windowed transactions by the focal side returned by sides and
// counts distinct counterparties.
func fanIn(ctx context.Context, s *Snapshot, windowDays, minDistinct int, sides func(*domain.Transaction) (focal, other string), label string) ([]Candidate, error) {
	type group struct {
		txSet
		others map[string]bool
	}

	groups := make(map[string]*group)
	var order []string
	for _, tx := range s.Since(windowDays) {
		focal, other := sides(tx)
		if !s.IsMember(focal) {
			continue
		}
		g, ok := groups[focal]
		if !ok {
			g = &group{others: make(map[string]bool)}
			groups[focal] = g
			order = append(order, focal)
		}
		g.add(tx)
		g.others[other] = true
	}

	var out []Candidate
	for _, focal := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g := groups[focal]
		if len(g.others) < minDistinct {
			continue
		}
		out = append(out, Candidate{
			PartyID:        focal,
			Count:          g.count,
			Amount:         g.amount,
			TransactionIDs: g.ids,
			Evidence: map[string]any{
				"distinct_" + label: len(g.others),
				label:               sortedKeys(g.others),
				"total_operations":  g.count,
				"total_amount":      g.amount,
				"window_days":       windowDays,
			},
		})
	}
	return out, nil
}
