// Package poolevents defines the wire type model shared by the producer
// (Chain Processor) and any subscriber reading the fan-out socket: pool
// identifiers, protocol/update tags, the typed delta union, and the
// ControlMessage envelope described in the wire protocol.
package poolevents

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Protocol tags the AMM family an update originates from.
type Protocol uint32

const (
	ProtocolV2 Protocol = iota
	ProtocolV3
	ProtocolV4
)

func (p Protocol) String() string {
	switch p {
	case ProtocolV2:
		return "v2"
	case ProtocolV3:
		return "v3"
	case ProtocolV4:
		return "v4"
	default:
		return fmt.Sprintf("protocol(%d)", uint32(p))
	}
}

// UpdateKind tags the event family within a protocol.
type UpdateKind uint32

const (
	KindSwap UpdateKind = iota
	KindMint
	KindBurn
)

func (k UpdateKind) String() string {
	switch k {
	case KindSwap:
		return "swap"
	case KindMint:
		return "mint"
	case KindBurn:
		return "burn"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// IdentifierKind discriminates the two PoolIdentifier arms.
type IdentifierKind uint32

const (
	IdentifierAddress IdentifierKind = iota
	IdentifierPoolKey
)

// PoolIdentifier is either a 20-byte contract address (V2/V3) or a 32-byte
// opaque pool key (V4, hashed pool parameters unrelated to any address).
type PoolIdentifier struct {
	Kind IdentifierKind
	Addr common.Address
	Key  [32]byte
}

// AddressIdentifier builds an address-keyed PoolIdentifier.
func AddressIdentifier(addr common.Address) PoolIdentifier {
	return PoolIdentifier{Kind: IdentifierAddress, Addr: addr}
}

// PoolKeyIdentifier builds an opaque-key PoolIdentifier.
func PoolKeyIdentifier(key [32]byte) PoolIdentifier {
	return PoolIdentifier{Kind: IdentifierPoolKey, Key: key}
}

// Bytes returns the identifying bytes: 20 for an address, 32 for a pool key.
// Used as the sort/dedup key by the resync signaler.
func (id PoolIdentifier) Bytes() []byte {
	if id.Kind == IdentifierAddress {
		return id.Addr.Bytes()
	}
	return id.Key[:]
}

func (id PoolIdentifier) String() string {
	if id.Kind == IdentifierAddress {
		return id.Addr.Hex()
	}
	return "0x" + common.Bytes2Hex(id.Key[:])
}

// GoString renders id as a Go expression, for %#v formatting in logs and
// test failure output (mirrors the convention common.Address itself follows
// via its Hex-based String, extended here to a valid Go literal).
func (id PoolIdentifier) GoString() string {
	if id.Kind == IdentifierAddress {
		return fmt.Sprintf("poolevents.AddressIdentifier(common.HexToAddress(%q))", id.Addr.Hex())
	}
	return fmt.Sprintf("poolevents.PoolKeyIdentifier(%#v)", id.Key)
}

// Equal reports whether two identifiers name the same pool.
func (id PoolIdentifier) Equal(other PoolIdentifier) bool {
	if id.Kind != other.Kind {
		return false
	}
	if id.Kind == IdentifierAddress {
		return id.Addr == other.Addr
	}
	return id.Key == other.Key
}

// DeltaKind discriminates the six PoolDelta arms, in wire discriminant order.
type DeltaKind uint32

const (
	DeltaV2Swap DeltaKind = iota
	DeltaV2Liquidity
	DeltaV3Swap
	DeltaV3Liquidity
	DeltaV4Swap
	DeltaV4Liquidity
)

// PoolDelta is the tagged union of numeric deltas carried by a pool update.
// Concrete arms mirror the pattern go-ethereum itself uses for its
// core/types.TxData union: one small interface, one struct per arm.
type PoolDelta interface {
	DeltaKind() DeltaKind
}

// V2SwapDelta carries signed token deltas for a V2 swap; by construction one
// is positive and the other negative.
type V2SwapDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

func (*V2SwapDelta) DeltaKind() DeltaKind { return DeltaV2Swap }

// V2LiquidityDelta carries signed token deltas for a V2 mint (positive) or
// burn (negated).
type V2LiquidityDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

func (*V2LiquidityDelta) DeltaKind() DeltaKind { return DeltaV2Liquidity }

// V3SwapDelta carries the post-swap price/liquidity/tick state for a V3 pool.
type V3SwapDelta struct {
	SqrtPriceX96 *uint256.Int
	Liquidity    *uint256.Int // u128 range
	Tick         int32
}

func (*V3SwapDelta) DeltaKind() DeltaKind { return DeltaV3Swap }

// V3LiquidityDelta carries a concentrated-liquidity range mint (positive) or
// burn (negated); LiquidityDelta saturates at the i128 bounds on overflow.
type V3LiquidityDelta struct {
	TickLower      int32
	TickUpper      int32
	LiquidityDelta *big.Int // i128 range
}

func (*V3LiquidityDelta) DeltaKind() DeltaKind { return DeltaV3Liquidity }

// V4SwapDelta is the V4-singleton analogue of V3SwapDelta.
type V4SwapDelta struct {
	SqrtPriceX96 *uint256.Int
	Liquidity    *uint256.Int
	Tick         int32
}

func (*V4SwapDelta) DeltaKind() DeltaKind { return DeltaV4Swap }

// V4LiquidityDelta is the V4-singleton analogue of V3LiquidityDelta.
type V4LiquidityDelta struct {
	TickLower      int32
	TickUpper      int32
	LiquidityDelta *big.Int
}

func (*V4LiquidityDelta) DeltaKind() DeltaKind { return DeltaV4Liquidity }

// PoolUpdateMessage is the envelope carried by a PoolUpdate control frame.
type PoolUpdateMessage struct {
	Pool           PoolIdentifier
	Protocol       Protocol
	Kind           UpdateKind
	BlockNumber    uint64
	BlockTimestamp uint64
	TxIndex        uint64
	LogIndex       uint64
	IsRevert       bool
	Delta          PoolDelta
}

// PoolMetadata is a tracker entry: identity, protocol, and optional
// protocol-specific attributes. Token addresses are carried for downstream
// bookkeeping but are not consulted by the core filter.
type PoolMetadata struct {
	Pool        PoolIdentifier
	Protocol    Protocol
	Token0      common.Address
	Token1      common.Address
	Fee         *uint32 // hundredths of a bip, V3/V4 only
	TickSpacing *int32  // V3/V4 only
}

// WhitelistKind discriminates the three WhitelistUpdate arms.
type WhitelistKind uint32

const (
	WhitelistAdd WhitelistKind = iota
	WhitelistRemove
	WhitelistReplace
)

// WhitelistUpdate is the differential (or bulk) change handed to the Pool
// Tracker's queue by the Whitelist Ingestor.
type WhitelistUpdate struct {
	Kind  WhitelistKind
	Pools []PoolMetadata    // populated for Add / Replace
	IDs   []PoolIdentifier  // populated for Remove
}
