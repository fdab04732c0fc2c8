package services

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/amount"
	"github.com/stellar/go-stellar-sdk/keypair"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
)

// AmountPrecision is the number of fractional digits the ledger accepts.
const AmountPrecision = 7

// Aggregate groups items by payee and returns one amount per payee, in the
// order payees first appear. Each sum is rounded half-up to AmountPrecision
// digits after summing.
func Aggregate(items []models.LineItem) ([]PayeeAmount, error) {
	sums := make(map[string]decimal.Decimal, len(items))
	order := make([]string, 0, len(items))

	for i, item := range items {
		if _, err := keypair.ParseAddress(item.PayeeAddress); err != nil {
			return nil, NewError(KindInvalidAddress, err, "item %d (%s): payee %q", i, item.ProductID, item.PayeeAddress)
		}
		if item.Quantity <= 0 {
			return nil, NewError(KindInvalidAmount, nil, "item %d (%s): quantity %d", i, item.ProductID, item.Quantity)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(item.UnitPrice))
		if err != nil {
			return nil, NewError(KindInvalidAmount, err, "item %d (%s): price %q", i, item.ProductID, item.UnitPrice)
		}
		if !price.IsPositive() {
			return nil, NewError(KindInvalidAmount, nil, "item %d (%s): price %s", i, item.ProductID, item.UnitPrice)
		}

		line := price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if _, seen := sums[item.PayeeAddress]; !seen {
			order = append(order, item.PayeeAddress)
		}
		sums[item.PayeeAddress] = sums[item.PayeeAddress].Add(line)
	}

	out := make([]PayeeAmount, 0, len(order))
	for _, payee := range order {
		total := sums[payee].Round(AmountPrecision)
		if !total.IsPositive() {
			return nil, NewError(KindInvalidAmount, nil, "payee %s: total rounds to zero", payee)
		}
		if _, err := amount.ParseInt64(total.StringFixed(AmountPrecision)); err != nil {
			return nil, NewError(KindInvalidAmount, err, "payee %s: total %s out of range", payee, total)
		}
		out = append(out, PayeeAmount{Payee: payee, Amount: total})
	}
	return out, nil
}

// Total sums the amounts.
func Total(amounts []PayeeAmount) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a.Amount)
	}
	return sum
}
