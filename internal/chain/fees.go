package chain

import "math/big"

// Replacement fee policy. A replacement must outbid the original by enough
// that nodes accept it for the same nonce; 25.2% clears the common 25%
// replacement threshold with margin, and the +1 attobase covers a zero tip.

// BumpTip returns ceil(tip * 1.252) + 1.
func BumpTip(tip *big.Int) *big.Int {
	if tip == nil {
		tip = new(big.Int)
	}
	n := new(big.Int).Mul(tip, big.NewInt(1252))
	n.Add(n, big.NewInt(999))
	n.Div(n, big.NewInt(1000))
	return n.Add(n, big.NewInt(1))
}

// maxReplacementGasLimit caps bumped gas so a bad estimate can never produce
// an absurd limit.
const maxReplacementGasLimit = uint64(1e10)

// BumpGasLimit returns min(ceil(max(origGas, recentEstimate) * 1.1), 1e10).
func BumpGasLimit(origGas, recentEstimate uint64) uint64 {
	g := origGas
	if recentEstimate > g {
		g = recentEstimate
	}
	bumped := (g*11 + 9) / 10
	if bumped > maxReplacementGasLimit {
		return maxReplacementGasLimit
	}
	return bumped
}

// ReplacementFeeCap returns max(newTip, recentFeeCap): the cap must at least
// admit the bumped tip, and otherwise follows the chain's current pricing.
func ReplacementFeeCap(newTip, recentFeeCap *big.Int) *big.Int {
	if recentFeeCap == nil || newTip.Cmp(recentFeeCap) > 0 {
		return new(big.Int).Set(newTip)
	}
	return new(big.Int).Set(recentFeeCap)
}
