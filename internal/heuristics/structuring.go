package heuristics

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// DetectStructuring flags ordering/beneficiary pairs that split sub-threshold
// operations across a rolling window of days. Operations are grouped per day;
// each active day anchors a window of WindowDays days and the busiest
// qualifying window of a pair is reported, one candidate per pair.
func DetectStructuring(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	type pairKey struct{ ordering, beneficiary string }
	type dayGroup struct {
		day time.Time
		txSet
	}

	pairs := make(map[pairKey]map[time.Time]*dayGroup)
	var order []pairKey
	for _, tx := range s.Transactions {
		if !s.IsMember(tx.OrderingPartyID) || !tx.Amount.LessThan(p.ThresholdAmount) {
			continue
		}
		key := pairKey{tx.OrderingPartyID, tx.BeneficiaryPartyID}
		days, ok := pairs[key]
		if !ok {
			days = make(map[time.Time]*dayGroup)
			pairs[key] = days
			order = append(order, key)
		}
		d := tx.Day()
		g, ok := days[d]
		if !ok {
			g = &dayGroup{day: d}
			days[d] = g
		}
		g.add(tx)
	}

	var out []Candidate
	for _, key := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		groups := make([]*dayGroup, 0, len(pairs[key]))
		for _, g := range pairs[key] {
			groups = append(groups, g)
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i].day.Before(groups[j].day) })

		var best *txSet
		var bestStart, bestEnd time.Time
		for i, anchor := range groups {
			end := anchor.day.AddDate(0, 0, p.WindowDays)
			window := &txSet{}
			last := anchor.day
			for _, g := range groups[i:] {
				if g.day.After(end) {
					break
				}
				window.merge(&g.txSet)
				last = g.day
			}
			if window.count >= p.MinOperations && (best == nil || window.count > best.count) {
				best, bestStart, bestEnd = window, anchor.day, last
			}
		}
		if best == nil {
			continue
		}

		out = append(out, Candidate{
			PartyID:        key.ordering,
			CounterpartyID: key.beneficiary,
			Count:          best.count,
			Amount:         best.amount,
			TransactionIDs: best.ids,
			Evidence: map[string]any{
				"beneficiary_id":     key.beneficiary,
				"window_start":       bestStart.Format(dateLayout),
				"window_end":         bestEnd.Format(dateLayout),
				"total_operations":   best.count,
				"accumulated_amount": best.amount,
				"threshold_amount":   p.ThresholdAmount,
			},
		})
	}
	return out, nil
}

// DetectRoundAmounts flags ordering parties with many operations whose
// amount is an exact positive multiple of 1,000.
func DetectRoundAmounts(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	groups := make(map[string]*txSet)
	var order []string
	for _, tx := range s.Transactions {
		if !s.IsMember(tx.OrderingPartyID) || !tx.Amount.IsPositive() || !tx.Amount.Mod(thousand).IsZero() {
			continue
		}
		g, ok := groups[tx.OrderingPartyID]
		if !ok {
			g = &txSet{}
			groups[tx.OrderingPartyID] = g
			order = append(order, tx.OrderingPartyID)
		}
		g.add(tx)
	}

	var out []Candidate
	for _, party := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g := groups[party]
		if g.count < p.MinOperations {
			continue
		}
		out = append(out, Candidate{
			PartyID:        party,
			Count:          g.count,
			Amount:         g.amount,
			TransactionIDs: g.ids,
			Evidence: map[string]any{
				"round_operations": g.count,
				"total_amount":     g.amount,
			},
		})
	}
	return out, nil
}
