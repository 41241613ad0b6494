package velocity

import "github.com/shopspring/decimal"

var (
	amountHigh   = decimal.NewFromInt(1_000_000)
	amountMedium = decimal.NewFromInt(500_000)
	amountLow    = decimal.NewFromInt(100_000)
)

// SuspicionIndex scores a party from 0 to 100 on volume, activity and the
// breadth of its counterparties.
func SuspicionIndex(ordering, beneficiary SideMetrics, div Diversification) int {
	score := 0

	if ordering.Operations > 0 {
		switch {
		case ordering.TotalAmount.GreaterThan(amountHigh):
			score += 30
		case ordering.TotalAmount.GreaterThan(amountMedium):
			score += 20
		case ordering.TotalAmount.GreaterThan(amountLow):
			score += 10
		}

		switch {
		case ordering.Operations > 100:
			score += 20
		case ordering.Operations > 50:
			score += 10
		}

		switch {
		case div.Beneficiaries > 50:
			score += 20
		case div.Beneficiaries > 20:
			score += 10
		}
	}

	if beneficiary.Operations > 0 {
		switch {
		case beneficiary.Counterparties > 20:
			score += 20
		case beneficiary.Counterparties > 10:
			score += 10
		}
	}

	return min(score, 100)
}
