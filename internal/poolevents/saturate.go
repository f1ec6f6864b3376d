package poolevents

import "math/big"

var (
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// SaturateInt128 clamps v to the signed 128-bit range, reporting whether
// clamping occurred. Callers (the decoder, narrowing a 256-bit
// ModifyLiquidity delta, and liquidity-delta construction from an unsigned
// Mint/Burn amount) must log a warning when saturated, per the narrowing
// policy in the wire protocol's error table — this helper only computes the
// clamp.
func SaturateInt128(v *big.Int) (*big.Int, bool) {
	if v.Cmp(maxInt128) > 0 {
		return new(big.Int).Set(maxInt128), true
	}
	if v.Cmp(minInt128) < 0 {
		return new(big.Int).Set(minInt128), true
	}
	return new(big.Int).Set(v), false
}
