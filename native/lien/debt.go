package lien

import "math/big"

// Breakdown itemizes everything owed on a lien at a point in time. Past
// components cover missed obligations (charged at the default rate beyond the
// missed boundary); current components cover the period containing now.
type Breakdown struct {
	// AmountOwed is outstanding principal plus every interest and fee
	// component below.
	AmountOwed      *big.Int
	Principal       *big.Int
	PastInterest    *big.Int
	PastFee         *big.Int
	CurrentInterest *big.Int
	CurrentFee      *big.Int
}

// TotalInterest returns past plus current interest.
func (b *Breakdown) TotalInterest() *big.Int {
	return new(big.Int).Add(b.PastInterest, b.CurrentInterest)
}

// TotalFee returns past plus current fees.
func (b *Breakdown) TotalFee() *big.Int {
	return new(big.Int).Add(b.PastFee, b.CurrentFee)
}

// PastDue returns the delinquent interest and fee sum, the minimum a cure
// payment must clear.
func (b *Breakdown) PastDue() *big.Int {
	return new(big.Int).Add(b.PastInterest, b.PastFee)
}

// ComputeDebt evaluates the accrual model against the lien's paid-through
// watermark and outstanding principal. It is pure: no state is read or
// written, so debt simply accrues implicitly between payments.
//
// Segment tiers, with b = min(paidThrough+period, maturity):
//
//	now <= b             one segment, the open period, at the normal rate
//	b < now <= maturity  missed period in full at the normal rate, then
//	                     default-rate accrual from b to now; the period
//	                     containing now keeps accruing as current
//	now > maturity       normal accrual to b, default-rate re-accrual from b
//	                     to maturity when a full stretch was missed, then
//	                     default-rate accrual from maturity to now; nothing
//	                     accrues as current past maturity
func ComputeDebt(l *Lien, now uint64) (*Breakdown, error) {
	sanitized, err := SanitizeLien(l)
	if err != nil {
		return nil, err
	}
	principal := sanitized.AmountOwed
	bd := &Breakdown{
		Principal:       new(big.Int).Set(principal),
		PastInterest:    big.NewInt(0),
		PastFee:         big.NewInt(0),
		CurrentInterest: big.NewInt(0),
		CurrentFee:      big.NewInt(0),
	}

	pt := sanitized.PaidThrough
	maturity := sanitized.Maturity()
	boundary := minUint64(pt+sanitized.Period, maturity)

	switch {
	case now > maturity:
		if pt < maturity {
			i, f := periodCharge(sanitized, principal, sanitized.Rate, boundary-pt)
			bd.PastInterest.Add(bd.PastInterest, i)
			bd.PastFee.Add(bd.PastFee, f)
			if boundary < maturity {
				i, f = periodCharge(sanitized, principal, sanitized.DefaultRate, maturity-boundary)
				bd.PastInterest.Add(bd.PastInterest, i)
				bd.PastFee.Add(bd.PastFee, f)
			}
		}
		i, f := elapsedCharge(sanitized, principal, sanitized.DefaultRate, now-maturity)
		bd.PastInterest.Add(bd.PastInterest, i)
		bd.PastFee.Add(bd.PastFee, f)
	case now > boundary:
		i, f := periodCharge(sanitized, principal, sanitized.Rate, boundary-pt)
		bd.PastInterest.Add(bd.PastInterest, i)
		bd.PastFee.Add(bd.PastFee, f)
		i, f = elapsedCharge(sanitized, principal, sanitized.DefaultRate, now-boundary)
		bd.PastInterest.Add(bd.PastInterest, i)
		bd.PastFee.Add(bd.PastFee, f)
		// The open period starts at the highest boundary not past now, the
		// same point a payment advances the watermark from, so the charge
		// and the credit always cover the same span.
		if open := pt + (now-pt)/sanitized.Period*sanitized.Period; open < maturity {
			span := minUint64(open+sanitized.Period, maturity) - open
			bd.CurrentInterest, bd.CurrentFee = currentCharge(sanitized, principal, span, now-open)
		}
	default:
		if now > pt && pt < maturity {
			bd.CurrentInterest, bd.CurrentFee = currentCharge(sanitized, principal, boundary-pt, now-pt)
		}
	}

	bd.AmountOwed = new(big.Int).Set(principal)
	bd.AmountOwed.Add(bd.AmountOwed, bd.PastInterest)
	bd.AmountOwed.Add(bd.AmountOwed, bd.PastFee)
	bd.AmountOwed.Add(bd.AmountOwed, bd.CurrentInterest)
	bd.AmountOwed.Add(bd.AmountOwed, bd.CurrentFee)
	return bd, nil
}

// periodCharge prices a whole obligation span at the supplied rate. Fixed and
// pro-rated liens owe simple interest on the span; compound liens owe the
// two-step exponential, fee pass first so the fee stream stays separable from
// the lender's interest stream.
func periodCharge(l *Lien, principal *big.Int, rateBps uint64, span uint64) (*big.Int, *big.Int) {
	switch l.Model {
	case ModelCompound:
		return compoundCharge(principal, rateBps, l.FeeRate, span)
	default:
		return simpleInterest(principal, rateBps, span), simpleInterest(principal, l.FeeRate, span)
	}
}

// elapsedCharge prices default-rate accrual over actual elapsed seconds past
// a missed boundary. Periods no longer quantize the charge.
func elapsedCharge(l *Lien, principal *big.Int, rateBps uint64, elapsed uint64) (*big.Int, *big.Int) {
	switch l.Model {
	case ModelCompound:
		return compoundCharge(principal, rateBps, l.FeeRate, elapsed)
	default:
		return simpleInterest(principal, rateBps, elapsed), simpleInterest(principal, l.FeeRate, elapsed)
	}
}

// currentCharge prices the open, not-yet-due period. Fixed charges the full
// span the moment the period opens; pro-rated charges linearly by elapsed
// fraction; compound charges the exponential over elapsed seconds only.
func currentCharge(l *Lien, principal *big.Int, span, elapsed uint64) (*big.Int, *big.Int) {
	if elapsed > span {
		elapsed = span
	}
	switch l.Model {
	case ModelCompound:
		return compoundCharge(principal, l.Rate, l.FeeRate, elapsed)
	case ModelProRated:
		i := simpleInterest(principal, l.Rate, span)
		f := simpleInterest(principal, l.FeeRate, span)
		return prorate(i, elapsed, span), prorate(f, elapsed, span)
	default:
		return simpleInterest(principal, l.Rate, span), simpleInterest(principal, l.FeeRate, span)
	}
}

// compoundCharge applies the two sequential compounding passes: the fee rate
// against bare principal, then the interest rate against the fee-inclusive
// baseline. interest = total - feeDebt, fee = feeDebt - principal.
func compoundCharge(principal *big.Int, rateBps, feeBps uint64, elapsed uint64) (*big.Int, *big.Int) {
	feeDebt := compoundTotal(principal, feeBps, elapsed)
	total := compoundTotal(feeDebt, rateBps, elapsed)
	fee := new(big.Int).Sub(feeDebt, principal)
	if fee.Sign() < 0 {
		fee.SetInt64(0)
	}
	interest := new(big.Int).Sub(total, feeDebt)
	if interest.Sign() < 0 {
		interest.SetInt64(0)
	}
	return interest, fee
}
