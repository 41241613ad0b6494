package heuristics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectSimilarAmounts flags repeated operations between the same pair whose
// amounts round to the same hundred and whose coefficient of variation is
// within TolerancePct percent.
func DetectSimilarAmounts(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	type key struct {
		ordering, beneficiary string
		bucket                string
	}
	type group struct {
		txSet
		bucket decimal.Decimal
		values []float64
	}

	groups := make(map[key]*group)
	var order []key
	for _, tx := range s.Transactions {
		if !s.IsMember(tx.OrderingPartyID) {
			continue
		}
		bucket := tx.Amount.Round(-2)
		k := key{tx.OrderingPartyID, tx.BeneficiaryPartyID, bucket.String()}
		g, ok := groups[k]
		if !ok {
			g = &group{bucket: bucket}
			groups[k] = g
			order = append(order, k)
		}
		g.add(tx)
		g.values = append(g.values, tx.Amount.InexactFloat64())
	}

	var out []Candidate
	for _, k := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g := groups[k]
		// A sample deviation needs two observations.
		if g.count < p.MinRepetitions || g.count < 2 {
			continue
		}
		mean, std := stat.MeanStdDev(g.values, nil)
		if mean <= 0 {
			continue
		}
		variation := std / mean * 100
		if variation > p.TolerancePct {
			continue
		}
		out = append(out, Candidate{
			PartyID:        k.ordering,
			CounterpartyID: k.beneficiary,
			Count:          g.count,
			Amount:         g.amount,
			TransactionIDs: g.ids,
			Evidence: map[string]any{
				"beneficiary_id":   k.beneficiary,
				"reference_amount": g.bucket,
				"repetitions":      g.count,
				"mean_amount":      mean,
				"std_deviation":    std,
				"variation_pct":    variation,
				"total_amount":     g.amount,
			},
		})
	}
	return out, nil
}

// DetectShortWindows flags bursts: for every distinct operation instant of
// a case member, the operations it orders within the next WindowHours.
func DetectShortWindows(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	byParty := make(map[string][]*domain.Transaction)
	var order []string
	for _, tx := range s.Transactions {
		if !s.IsMember(tx.OrderingPartyID) {
			continue
		}
		if _, ok := byParty[tx.OrderingPartyID]; !ok {
			order = append(order, tx.OrderingPartyID)
		}
		byParty[tx.OrderingPartyID] = append(byParty[tx.OrderingPartyID], tx)
	}

	span := time.Duration(p.WindowHours) * time.Hour
	var out []Candidate
	for _, party := range order {
		txs := byParty[party]
		for i, anchor := range txs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			start := anchor.Timestamp()
			if i > 0 && txs[i-1].Timestamp().Equal(start) {
				continue
			}
			end := start.Add(span)
			window := &txSet{}
			beneficiaries := make(map[string]bool)
			for _, tx := range txs[i:] {
				if tx.Timestamp().After(end) {
					break
				}
				window.add(tx)
				beneficiaries[tx.BeneficiaryPartyID] = true
			}
			if window.count < p.MinOperations {
				continue
			}
			out = append(out, Candidate{
				PartyID:        party,
				Count:          window.count,
				Amount:         window.amount,
				TransactionIDs: window.ids,
				Evidence: map[string]any{
					"window_start":           start.Format(time.RFC3339),
					"window_end":             end.Format(time.RFC3339),
					"window_hours":           p.WindowHours,
					"operations":             window.count,
					"total_amount":           window.amount,
					"distinct_beneficiaries": len(beneficiaries),
				},
			})
		}
	}
	return out, nil
}

// DetectPassThrough flags case members that forward received funds quickly:
// an outgoing operation within WindowMinutes after an incoming one, whose
// amount differs from the received amount by less than AmountTolerance.
func DetectPassThrough(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	incoming := make(map[string][]*domain.Transaction)
	outgoing := make(map[string][]*domain.Transaction)
	var order []string
	for _, tx := range s.Transactions {
		if s.IsMember(tx.BeneficiaryPartyID) {
			if _, ok := incoming[tx.BeneficiaryPartyID]; !ok {
				order = append(order, tx.BeneficiaryPartyID)
			}
			incoming[tx.BeneficiaryPartyID] = append(incoming[tx.BeneficiaryPartyID], tx)
		}
		outgoing[tx.OrderingPartyID] = append(outgoing[tx.OrderingPartyID], tx)
	}

	window := time.Duration(p.WindowMinutes) * time.Minute
	tolerance := decimal.NewFromFloat(p.AmountTolerance)
	var out []Candidate
	for _, party := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		relays := 0
		received, sent := decimal.Zero, decimal.Zero
		var totalMinutes float64
		seen := make(map[string]bool)
		var ids []string
		addID := func(id string) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}

		for _, in := range incoming[party] {
			if !in.Amount.IsPositive() {
				continue
			}
			for _, o := range outgoing[party] {
				if o.ID == in.ID {
					continue
				}
				gap := o.Timestamp().Sub(in.Timestamp())
				if gap < 0 || gap > window {
					continue
				}
				diff := in.Amount.Sub(o.Amount).Abs().Div(in.Amount)
				if !diff.LessThan(tolerance) {
					continue
				}
				relays++
				received = received.Add(in.Amount)
				sent = sent.Add(o.Amount)
				totalMinutes += gap.Minutes()
				addID(in.ID)
				addID(o.ID)
			}
		}
		if relays < p.MinRelays {
			continue
		}
		out = append(out, Candidate{
			PartyID:        party,
			Count:          relays,
			Amount:         sent,
			TransactionIDs: ids,
			Evidence: map[string]any{
				"relays":          relays,
				"amount_received": received,
				"amount_sent":     sent,
				"avg_minutes":     totalMinutes / float64(relays),
				"window_minutes":  p.WindowMinutes,
			},
		})
	}
	return out, nil
}

// periodEpoch is a Monday; periods of seven days align with calendar weeks.
var periodEpoch = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

// DetectFrequencyAnomalies flags periods in which a case member orders more
// than GrowthFactor times its mean operations per active period. Parties
// with fewer than three active periods have no baseline and are skipped.
func DetectFrequencyAnomalies(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	type period struct {
		index int
		txSet
	}

	periodDays := p.WindowDays
	byParty := make(map[string][]*period)
	var order []string
	for _, tx := range s.Transactions {
		if !s.IsMember(tx.OrderingPartyID) {
			continue
		}
		idx := floorDiv(int(tx.Day().Sub(periodEpoch).Hours()/24), periodDays)
		periods := byParty[tx.OrderingPartyID]
		if len(periods) == 0 {
			order = append(order, tx.OrderingPartyID)
		}
		// Transactions are time ordered, so a new index is always last.
		if len(periods) == 0 || periods[len(periods)-1].index != idx {
			periods = append(periods, &period{index: idx})
			byParty[tx.OrderingPartyID] = periods
		}
		periods[len(periods)-1].add(tx)
	}

	var out []Candidate
	for _, party := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		periods := byParty[party]
		if len(periods) <= 2 {
			continue
		}
		counts := make([]float64, len(periods))
		for i, pr := range periods {
			counts[i] = float64(pr.count)
		}
		mean := stat.Mean(counts, nil)

		for _, pr := range periods {
			if float64(pr.count) <= mean*p.GrowthFactor {
				continue
			}
			start := periodEpoch.AddDate(0, 0, pr.index*periodDays)
			out = append(out, Candidate{
				PartyID:        party,
				Count:          pr.count,
				Amount:         pr.amount,
				TransactionIDs: pr.ids,
				Evidence: map[string]any{
					"period_start":    start.Format(dateLayout),
					"period_end":      start.AddDate(0, 0, periodDays-1).Format(dateLayout),
					"operations":      pr.count,
					"historical_mean": mean,
					"growth_factor":   p.GrowthFactor,
					"total_amount":    pr.amount,
				},
			})
		}
	}
	return out, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
