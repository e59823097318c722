package reconciliation

import "github.com/shopspring/decimal"

// Contribution is the signed effect a matched line item has on the closing
// balance: incomes add, expenses subtract, adjustments carry their own sign.
func Contribution(kind ItemKind, amount decimal.Decimal) decimal.Decimal {
	if kind == KindExpense {
		return amount.Neg()
	}
	return amount
}

// Recompute derives the closing balance and difference from scratch over the
// given line items. Every session mutation goes through this rather than
// patching balances incrementally, so out-of-band item changes cannot leave
// stale totals behind.
func Recompute(opening, bank decimal.Decimal, items []*LineItem) (closing, difference decimal.Decimal) {
	closing = opening
	for _, it := range items {
		if it.Matched {
			closing = closing.Add(Contribution(it.Kind, it.Amount))
		}
	}
	return closing, bank.Sub(closing)
}
