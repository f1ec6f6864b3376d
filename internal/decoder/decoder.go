// Package decoder recognizes and decodes the AMM event shapes emitted by
// Uniswap V2/V3-style pairs and a V4-style singleton pool manager. It never
// fails: a log either matches one of the known topic-0 signatures and
// decodes, or it is reported unrecognized and the caller skips it.
package decoder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/ethpools/liquidity-exex/internal/poolevents"
)

const wordLen = 32

// Event is a decoded AMM event: the pool identity it concerns (for V2/V3 the
// emitting address; for V4 the pool key carried in topic-1), the protocol
// and update kind it belongs to, and the typed delta.
type Event struct {
	Pool     poolevents.PoolIdentifier
	Protocol poolevents.Protocol
	Kind     poolevents.UpdateKind
	Delta    poolevents.PoolDelta
}

// Decode attempts to recognize lg as one of the known AMM event shapes. It
// returns ok=false if the log's topic-0 matches none of them; this is not an
// error, just an unrecognized log to be skipped.
func Decode(lg *types.Log) (Event, bool) {
	if len(lg.Topics) == 0 {
		return Event{}, false
	}
	switch lg.Topics[0] {
	case v2SwapSig:
		return decodeV2Swap(lg)
	case v2MintSig:
		return decodeV2Mint(lg)
	case v2BurnSig:
		return decodeV2Burn(lg)
	case v3SwapSig:
		return decodeV3Swap(lg)
	case v3MintSig:
		return decodeV3MintOrBurn(lg, poolevents.KindMint)
	case v3BurnSig:
		return decodeV3MintOrBurn(lg, poolevents.KindBurn)
	case v4SwapSig:
		return decodeV4Swap(lg)
	case v4ModifyLiquiditySig:
		return decodeV4ModifyLiquidity(lg)
	default:
		return Event{}, false
	}
}

// IsERC20Transfer reports whether lg is an ERC-20 Transfer log: topic-0
// matches the canonical Transfer signature and there are exactly three
// topics (four-topic Transfers are ERC-721 and are ignored).
func IsERC20Transfer(lg *types.Log) bool {
	return len(lg.Topics) == 3 && lg.Topics[0] == erc20TransferSig
}

var erc20TransferSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

func decodeV2Swap(lg *types.Log) (Event, bool) {
	if len(lg.Topics) != 3 || len(lg.Data) < 4*wordLen {
		return Event{}, false
	}
	amount0In := readUint256(lg.Data, 0)
	amount1In := readUint256(lg.Data, 1)
	amount0Out := readUint256(lg.Data, 2)
	amount1Out := readUint256(lg.Data, 3)

	var amount0, amount1 *big.Int
	if amount0In.Sign() == 0 {
		// token1 -> token0
		amount0 = new(big.Int).Neg(amount0Out)
		amount1 = new(big.Int).Set(amount1In)
	} else {
		// token0 -> token1
		amount0 = new(big.Int).Set(amount0In)
		amount1 = new(big.Int).Neg(amount1Out)
	}
	return Event{
		Pool:     poolevents.AddressIdentifier(lg.Address),
		Protocol: poolevents.ProtocolV2,
		Kind:     poolevents.KindSwap,
		Delta:    &poolevents.V2SwapDelta{Amount0: amount0, Amount1: amount1},
	}, true
}

func decodeV2Mint(lg *types.Log) (Event, bool) {
	return decodeV2Liquidity(lg, 2, poolevents.KindMint, 1)
}

func decodeV2Burn(lg *types.Log) (Event, bool) {
	return decodeV2Liquidity(lg, 3, poolevents.KindBurn, -1)
}

func decodeV2Liquidity(lg *types.Log, wantTopics int, kind poolevents.UpdateKind, sign int64) (Event, bool) {
	if len(lg.Topics) != wantTopics || len(lg.Data) < 2*wordLen {
		return Event{}, false
	}
	amount0 := readUint256(lg.Data, 0)
	amount1 := readUint256(lg.Data, 1)
	amount0.Mul(amount0, big.NewInt(sign))
	amount1.Mul(amount1, big.NewInt(sign))
	return Event{
		Pool:     poolevents.AddressIdentifier(lg.Address),
		Protocol: poolevents.ProtocolV2,
		Kind:     kind,
		Delta:    &poolevents.V2LiquidityDelta{Amount0: amount0, Amount1: amount1},
	}, true
}

func decodeV3Swap(lg *types.Log) (Event, bool) {
	if len(lg.Topics) != 3 || len(lg.Data) < 5*wordLen {
		return Event{}, false
	}
	sqrtPriceX96 := readU256Word(lg.Data, 2)
	liquidity := readU256Word(lg.Data, 3)
	tick := narrowToInt32(readInt256(lg.Data, 4), "v3 swap tick")
	return Event{
		Pool:     poolevents.AddressIdentifier(lg.Address),
		Protocol: poolevents.ProtocolV3,
		Kind:     poolevents.KindSwap,
		Delta: &poolevents.V3SwapDelta{
			SqrtPriceX96: sqrtPriceX96,
			Liquidity:    liquidity,
			Tick:         tick,
		},
	}, true
}

// decodeV3MintOrBurn handles both Uniswap-V3-style Mint and Burn logs: Mint
// carries an extra non-indexed `sender` word ahead of `amount`, so its data
// section is one word longer; the tick bounds are always the two indexed
// int24 topics.
func decodeV3MintOrBurn(lg *types.Log, kind poolevents.UpdateKind) (Event, bool) {
	if len(lg.Topics) != 4 {
		return Event{}, false
	}
	tickLower := narrowToInt32(topicAsInt256(lg.Topics[2]), "v3 tickLower")
	tickUpper := narrowToInt32(topicAsInt256(lg.Topics[3]), "v3 tickUpper")

	var amountWord int
	switch kind {
	case poolevents.KindMint:
		amountWord = 1 // word 0 is the non-indexed sender address
	case poolevents.KindBurn:
		amountWord = 0
	}
	if len(lg.Data) < (amountWord+1)*wordLen {
		return Event{}, false
	}
	amount := readUint256(lg.Data, amountWord)
	delta, saturated := signedLiquidityDelta(amount, kind)
	if saturated {
		log.Warn("liquidity delta saturated narrowing to i128", "pool", lg.Address, "kind", kind)
	}
	return Event{
		Pool:     poolevents.AddressIdentifier(lg.Address),
		Protocol: poolevents.ProtocolV3,
		Kind:     kind,
		Delta: &poolevents.V3LiquidityDelta{
			TickLower:      tickLower,
			TickUpper:      tickUpper,
			LiquidityDelta: delta,
		},
	}, true
}

func decodeV4Swap(lg *types.Log) (Event, bool) {
	if len(lg.Topics) != 3 || len(lg.Data) < 6*wordLen {
		return Event{}, false
	}
	sqrtPriceX96 := readU256Word(lg.Data, 2)
	liquidity := readU256Word(lg.Data, 3)
	tick := narrowToInt32(readInt256(lg.Data, 4), "v4 swap tick")
	return Event{
		Pool:     poolevents.PoolKeyIdentifier(lg.Topics[1]),
		Protocol: poolevents.ProtocolV4,
		Kind:     poolevents.KindSwap,
		Delta: &poolevents.V4SwapDelta{
			SqrtPriceX96: sqrtPriceX96,
			Liquidity:    liquidity,
			Tick:         tick,
		},
	}, true
}

func decodeV4ModifyLiquidity(lg *types.Log) (Event, bool) {
	if len(lg.Topics) != 3 || len(lg.Data) < 4*wordLen {
		return Event{}, false
	}
	tickLower := narrowToInt32(readInt256(lg.Data, 0), "v4 tickLower")
	tickUpper := narrowToInt32(readInt256(lg.Data, 1), "v4 tickUpper")
	rawDelta := readInt256(lg.Data, 2)
	delta, saturated := poolevents.SaturateInt128(rawDelta)
	if saturated {
		log.Warn("v4 modify-liquidity delta saturated narrowing to i128", "poolKey", lg.Topics[1])
	}
	kind := poolevents.KindMint
	if delta.Sign() < 0 {
		kind = poolevents.KindBurn
	}
	return Event{
		Pool:     poolevents.PoolKeyIdentifier(lg.Topics[1]),
		Protocol: poolevents.ProtocolV4,
		Kind:     kind,
		Delta: &poolevents.V4LiquidityDelta{
			TickLower:      tickLower,
			TickUpper:      tickUpper,
			LiquidityDelta: delta,
		},
	}, true
}

// signedLiquidityDelta builds a signed i128 delta from an unsigned u128
// Mint/Burn amount: positive for mint, negated for burn, saturating at the
// i128 bounds on overflow (a degenerate case for a canonical protocol
// instance, but the narrowing must never panic).
func signedLiquidityDelta(amount *big.Int, kind poolevents.UpdateKind) (*big.Int, bool) {
	signed := new(big.Int).Set(amount)
	if kind == poolevents.KindBurn {
		signed.Neg(signed)
	}
	return poolevents.SaturateInt128(signed)
}

const (
	minInt32 = -(1 << 31)
	maxInt32 = (1 << 31) - 1
)

func narrowToInt32(v *big.Int, field string) int32 {
	if !v.IsInt64() {
		log.Warn("tick value out of int32 range, truncating", "field", field, "value", v)
		return int32(v.Int64())
	}
	i64 := v.Int64()
	if i64 > maxInt32 || i64 < minInt32 {
		log.Warn("tick value out of int32 range, truncating", "field", field, "value", v)
	}
	return int32(i64)
}

// readUint256 reads the word at index idx (0-based, 32 bytes each) from data
// as an unsigned big-endian integer.
func readUint256(data []byte, idx int) *big.Int {
	start := idx * wordLen
	return new(big.Int).SetBytes(data[start : start+wordLen])
}

// readU256Word reads the word at idx as a holiman/uint256 value.
func readU256Word(data []byte, idx int) *uint256.Int {
	start := idx * wordLen
	v := new(uint256.Int)
	v.SetBytes(data[start : start+wordLen])
	return v
}

// readInt256 reads the word at idx as a signed (two's complement) big-endian
// integer.
func readInt256(data []byte, idx int) *big.Int {
	start := idx * wordLen
	word := data[start : start+wordLen]
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), wordLen*8)
		v.Sub(v, mod)
	}
	return v
}

// topicAsInt256 interprets an indexed int24/int256 topic as a signed
// two's-complement integer.
func topicAsInt256(topic common.Hash) *big.Int {
	v := new(big.Int).SetBytes(topic.Bytes())
	if topic[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), wordLen*8)
		v.Sub(v, mod)
	}
	return v
}
