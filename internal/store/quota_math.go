package store

import "math/big"

// BytesPerTiB is the quota conversion base: rates are denominated per TiB.
var BytesPerTiB = new(big.Int).Lsh(big.NewInt(1), 40)

// CalculateEgressQuota converts a locked-up payment amount into a byte quota:
// bytes = lockup * 2^40 / ratePerTiB, floored. Rates are denominated in units
// of 10^18 per TiB. A zero or missing rate yields a zero quota.
func CalculateEgressQuota(lockup, ratePerTiB *big.Int) *big.Int {
	if lockup == nil || ratePerTiB == nil || ratePerTiB.Sign() <= 0 {
		return new(big.Int)
	}
	q := new(big.Int).Mul(lockup, BytesPerTiB)
	return q.Div(q, ratePerTiB)
}
