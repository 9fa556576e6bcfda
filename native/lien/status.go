package lien

// StatusOf classifies lien health purely from time. Boundaries are strict:
// with b = min(paidThrough+period, maturity), the lien is CURRENT through b,
// DELINQUENT once now exceeds b, and DEFAULTED once now exceeds the grace
// window after b. The same convention is used everywhere in this package.
//
// Note the maturity clamp: a lien whose interest is fully paid through tenor
// still owes its principal at maturity, so it turns delinquent and then
// defaulted if never repaid.
func StatusOf(l *Lien, now uint64) Status {
	boundary := minUint64(l.PaidThrough+l.Period, l.Maturity())
	switch {
	case now > boundary+l.GracePeriod:
		return StatusDefaulted
	case now > boundary:
		return StatusDelinquent
	default:
		return StatusCurrent
	}
}
