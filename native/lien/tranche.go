package lien

import (
	"math/big"
	"sort"
)

// TransferKind discriminates the two asset movements a settlement can plan.
type TransferKind uint8

const (
	TransferCurrency TransferKind = iota
	TransferCollateral
)

// Transfer is one planned asset movement. Settlement engines build a full
// plan, then hand it to a Settler which applies it all-or-nothing.
type Transfer struct {
	Kind TransferKind
	// Token is the currency symbol for TransferCurrency, the collection for
	// TransferCollateral.
	Token   string
	TokenID *big.Int
	From    [20]byte
	To      [20]byte
	Amount  *big.Int
}

// Settler applies a transfer plan atomically: either every movement lands or
// none do. Movements with zero amount or identical endpoints are no-ops.
type Settler interface {
	Settle(transfers []Transfer) error
}

type tranche struct {
	amount    *big.Int
	recipient [20]byte
}

// DistributeProceeds allocates gross proceeds across the three debt tranches:
// principal and interest to the lender, fee to the fee recipient. Tranches
// are stable-sorted descending by amount, so larger obligations are satisfied
// from the primary payer's contribution before smaller ones spill over to the
// residual payer. When proceeds exceed the total debt, the excess goes to the
// payee as their equity in the sale.
//
// The returned plan conserves value exactly: primary contributes
// min(amount, totalDebt) plus any excess back to the payee, residual
// contributes the shortfall, and no tranche receives more than its due.
func DistributeProceeds(currency string, amount *big.Int, debt *Breakdown, lender, feeRecipient, primary, residual, payee [20]byte) []Transfer {
	principalDue := new(big.Int).Set(debt.Principal)
	interestDue := debt.TotalInterest()
	feeDue := debt.TotalFee()

	totalDebt := new(big.Int).Add(principalDue, interestDue)
	totalDebt.Add(totalDebt, feeDue)

	transfers := make([]Transfer, 0, 4)
	pay := func(from, to [20]byte, value *big.Int) {
		if value == nil || value.Sign() <= 0 || from == to {
			return
		}
		transfers = append(transfers, Transfer{
			Kind:   TransferCurrency,
			Token:  currency,
			From:   from,
			To:     to,
			Amount: new(big.Int).Set(value),
		})
	}

	if amount.Cmp(totalDebt) >= 0 {
		pay(primary, lender, new(big.Int).Add(principalDue, interestDue))
		pay(primary, feeRecipient, feeDue)
		pay(primary, payee, new(big.Int).Sub(amount, totalDebt))
		return transfers
	}

	tranches := []tranche{
		{amount: principalDue, recipient: lender},
		{amount: interestDue, recipient: lender},
		{amount: feeDue, recipient: feeRecipient},
	}
	// Stable: equal-sized tranches keep principal before interest before fee.
	sort.SliceStable(tranches, func(i, j int) bool {
		return tranches[i].amount.Cmp(tranches[j].amount) > 0
	})

	remaining := new(big.Int).Set(amount)
	for _, t := range tranches {
		if remaining.Cmp(t.amount) >= 0 {
			pay(primary, t.recipient, t.amount)
			remaining.Sub(remaining, t.amount)
			continue
		}
		pay(primary, t.recipient, remaining)
		pay(residual, t.recipient, new(big.Int).Sub(t.amount, remaining))
		remaining.SetInt64(0)
	}
	return transfers
}
