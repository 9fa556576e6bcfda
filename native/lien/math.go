package lien

import "math/big"

var (
	basisPoints    = big.NewInt(10_000)
	secondsPerYear = big.NewInt(31_536_000)
)

// simpleInterest computes amount * bps/10_000 * elapsed/year with integer
// arithmetic, truncating toward zero. Every monetary division in this package
// truncates the same way so results stay reproducible across platforms.
func simpleInterest(amount *big.Int, bps uint64, elapsed uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 || elapsed == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	out.Mul(out, new(big.Int).SetUint64(elapsed))
	den := new(big.Int).Mul(basisPoints, secondsPerYear)
	return out.Quo(out, den)
}

// compoundTotal grows amount by e^(bps/10_000 * elapsed/year) using a Taylor
// expansion over integers. The accumulator carries the full product so no
// intermediate rounding compounds; the single final division truncates.
func compoundTotal(amount *big.Int, bps uint64, elapsed uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if bps == 0 || elapsed == 0 {
		return new(big.Int).Set(amount)
	}
	numerator := new(big.Int).Mul(new(big.Int).SetUint64(bps), new(big.Int).SetUint64(elapsed))
	denominator := new(big.Int).Mul(basisPoints, secondsPerYear)
	var (
		output = new(big.Int)
		accum  = new(big.Int).Mul(amount, denominator)
	)
	for i := 1; accum.Sign() > 0; i++ {
		output.Add(output, accum)
		accum.Mul(accum, numerator)
		accum.Quo(accum, denominator)
		accum.Quo(accum, big.NewInt(int64(i)))
	}
	return output.Quo(output, denominator)
}

// prorate scales a full-period charge by elapsed/span, truncating.
func prorate(full *big.Int, elapsed, span uint64) *big.Int {
	if full == nil || full.Sign() <= 0 || span == 0 || elapsed == 0 {
		return big.NewInt(0)
	}
	if elapsed >= span {
		return new(big.Int).Set(full)
	}
	out := new(big.Int).Mul(full, new(big.Int).SetUint64(elapsed))
	return out.Quo(out, new(big.Int).SetUint64(span))
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
