package poolevents

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Codec implements the fixed little-endian binary layout from the wire
// protocol: a 4-byte enum discriminant for every tagged union, raw
// little-endian for fixed-width integers, and an 8-byte length prefix ahead
// of every variable-length byte run (addresses, pool keys, and the raw
// little-endian two's-complement representation of wide integers).
//
// There is deliberately no reflection or schema registry here, matching how
// go-ethereum's own rlp encoders are written as direct, hand-rolled
// Encode/Decode method pairs per type rather than a generic marshaler.

// errShortRead is wrapped with context when a read comes up short.
func errShortRead(field string, err error) error {
	return fmt.Errorf("poolevents: short read decoding %s: %w", field, err)
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeInt32(w io.Writer, v int32) error {
	return writeUint32(w, uint32(v))
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func writeBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// writeBytes emits an 8-byte little-endian length followed by the raw bytes.
func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint64(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	// A malformed or truncated frame cannot claim an unbounded length; cap
	// at a generous bound so a corrupt length prefix can't force an
	// unbounded allocation.
	const maxLen = 1 << 20
	if n > maxLen {
		return nil, fmt.Errorf("poolevents: byte field length %d exceeds max %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// reverseInPlace flips a byte slice's endianness.
func reverseInPlace(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// writeWideUint encodes an unsigned value as `width` little-endian bytes,
// length-prefixed, per the "8-byte length + raw bytes for 256-bit integers"
// wire rule (also used here for the u128 liquidity field, width=16).
func writeWideUint(w io.Writer, v *uint256.Int, width int) error {
	be := v.Bytes32() // big-endian, 32 bytes
	buf := make([]byte, width)
	copy(buf, be[32-width:])
	reverseInPlace(buf)
	return writeBytes(w, buf)
}

func readWideUint(r io.Reader) (*uint256.Int, error) {
	raw, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	be := make([]byte, len(raw))
	copy(be, raw)
	reverseInPlace(be)
	v := new(uint256.Int)
	v.SetBytes(be)
	return v, nil
}

// writeWideInt encodes a signed value in `width`-byte two's complement,
// little-endian, length-prefixed.
func writeWideInt(w io.Writer, v *big.Int, width int) error {
	buf := make([]byte, width)
	if v.Sign() >= 0 {
		b := v.Bytes()
		if len(b) > width {
			return fmt.Errorf("poolevents: value %s overflows %d-byte width", v.String(), width)
		}
		copy(buf[width-len(b):], b)
	} else {
		mod := new(big.Int).Lsh(big.NewInt(1), uint(width*8))
		tc := new(big.Int).Add(mod, v)
		b := tc.Bytes()
		if len(b) > width {
			return fmt.Errorf("poolevents: value %s underflows %d-byte width", v.String(), width)
		}
		copy(buf[width-len(b):], b)
	}
	reverseInPlace(buf) // now little-endian
	return writeBytes(w, buf)
}

func readWideInt(r io.Reader) (*big.Int, error) {
	raw, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	width := len(raw)
	be := make([]byte, width)
	copy(be, raw)
	reverseInPlace(be)
	v := new(big.Int).SetBytes(be)
	if width > 0 && be[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), uint(width*8))
		v.Sub(v, mod)
	}
	return v, nil
}

func writeAddress(w io.Writer, addr common.Address) error {
	return writeBytes(w, addr.Bytes())
}

func readAddress(r io.Reader) (common.Address, error) {
	b, err := readBytes(r)
	if err != nil {
		return common.Address{}, err
	}
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("poolevents: address field length %d, want %d", len(b), common.AddressLength)
	}
	var addr common.Address
	addr.SetBytes(b)
	return addr, nil
}

func writePoolIdentifier(w io.Writer, id PoolIdentifier) error {
	if err := writeUint32(w, uint32(id.Kind)); err != nil {
		return err
	}
	if id.Kind == IdentifierAddress {
		return writeAddress(w, id.Addr)
	}
	return writeBytes(w, id.Key[:])
}

func readPoolIdentifier(r io.Reader) (PoolIdentifier, error) {
	kind, err := readUint32(r)
	if err != nil {
		return PoolIdentifier{}, errShortRead("pool identifier kind", err)
	}
	switch IdentifierKind(kind) {
	case IdentifierAddress:
		addr, err := readAddress(r)
		if err != nil {
			return PoolIdentifier{}, errShortRead("pool identifier address", err)
		}
		return AddressIdentifier(addr), nil
	case IdentifierPoolKey:
		b, err := readBytes(r)
		if err != nil {
			return PoolIdentifier{}, errShortRead("pool identifier key", err)
		}
		if len(b) != 32 {
			return PoolIdentifier{}, fmt.Errorf("poolevents: pool key length %d, want 32", len(b))
		}
		var key [32]byte
		copy(key[:], b)
		return PoolKeyIdentifier(key), nil
	default:
		return PoolIdentifier{}, fmt.Errorf("poolevents: unknown identifier kind %d", kind)
	}
}

// EncodeDelta writes a PoolDelta's 4-byte discriminant followed by its
// variant-specific fields.
func EncodeDelta(w io.Writer, d PoolDelta) error {
	if err := writeUint32(w, uint32(d.DeltaKind())); err != nil {
		return err
	}
	switch v := d.(type) {
	case *V2SwapDelta:
		if err := writeWideInt(w, v.Amount0, 32); err != nil {
			return err
		}
		return writeWideInt(w, v.Amount1, 32)
	case *V2LiquidityDelta:
		if err := writeWideInt(w, v.Amount0, 32); err != nil {
			return err
		}
		return writeWideInt(w, v.Amount1, 32)
	case *V3SwapDelta:
		return encodeConcentratedSwap(w, v.SqrtPriceX96, v.Liquidity, v.Tick)
	case *V3LiquidityDelta:
		return encodeConcentratedLiquidity(w, v.TickLower, v.TickUpper, v.LiquidityDelta)
	case *V4SwapDelta:
		return encodeConcentratedSwap(w, v.SqrtPriceX96, v.Liquidity, v.Tick)
	case *V4LiquidityDelta:
		return encodeConcentratedLiquidity(w, v.TickLower, v.TickUpper, v.LiquidityDelta)
	default:
		return fmt.Errorf("poolevents: unknown delta type %T", d)
	}
}

func encodeConcentratedSwap(w io.Writer, sqrtPriceX96, liquidity *uint256.Int, tick int32) error {
	if err := writeWideUint(w, sqrtPriceX96, 32); err != nil {
		return err
	}
	if err := writeWideUint(w, liquidity, 16); err != nil {
		return err
	}
	return writeInt32(w, tick)
}

func encodeConcentratedLiquidity(w io.Writer, tickLower, tickUpper int32, delta *big.Int) error {
	if err := writeInt32(w, tickLower); err != nil {
		return err
	}
	if err := writeInt32(w, tickUpper); err != nil {
		return err
	}
	return writeWideInt(w, delta, 16)
}

// DecodeDelta reads a PoolDelta previously written by EncodeDelta.
func DecodeDelta(r io.Reader) (PoolDelta, error) {
	kind, err := readUint32(r)
	if err != nil {
		return nil, errShortRead("delta kind", err)
	}
	switch DeltaKind(kind) {
	case DeltaV2Swap:
		a0, err := readWideInt(r)
		if err != nil {
			return nil, err
		}
		a1, err := readWideInt(r)
		if err != nil {
			return nil, err
		}
		return &V2SwapDelta{Amount0: a0, Amount1: a1}, nil
	case DeltaV2Liquidity:
		a0, err := readWideInt(r)
		if err != nil {
			return nil, err
		}
		a1, err := readWideInt(r)
		if err != nil {
			return nil, err
		}
		return &V2LiquidityDelta{Amount0: a0, Amount1: a1}, nil
	case DeltaV3Swap:
		sp, liq, tick, err := decodeConcentratedSwap(r)
		if err != nil {
			return nil, err
		}
		return &V3SwapDelta{SqrtPriceX96: sp, Liquidity: liq, Tick: tick}, nil
	case DeltaV3Liquidity:
		lo, hi, delta, err := decodeConcentratedLiquidity(r)
		if err != nil {
			return nil, err
		}
		return &V3LiquidityDelta{TickLower: lo, TickUpper: hi, LiquidityDelta: delta}, nil
	case DeltaV4Swap:
		sp, liq, tick, err := decodeConcentratedSwap(r)
		if err != nil {
			return nil, err
		}
		return &V4SwapDelta{SqrtPriceX96: sp, Liquidity: liq, Tick: tick}, nil
	case DeltaV4Liquidity:
		lo, hi, delta, err := decodeConcentratedLiquidity(r)
		if err != nil {
			return nil, err
		}
		return &V4LiquidityDelta{TickLower: lo, TickUpper: hi, LiquidityDelta: delta}, nil
	default:
		return nil, fmt.Errorf("poolevents: unknown delta kind %d", kind)
	}
}

func decodeConcentratedSwap(r io.Reader) (*uint256.Int, *uint256.Int, int32, error) {
	sp, err := readWideUint(r)
	if err != nil {
		return nil, nil, 0, err
	}
	liq, err := readWideUint(r)
	if err != nil {
		return nil, nil, 0, err
	}
	tick, err := readInt32(r)
	if err != nil {
		return nil, nil, 0, err
	}
	return sp, liq, tick, nil
}

func decodeConcentratedLiquidity(r io.Reader) (int32, int32, *big.Int, error) {
	lo, err := readInt32(r)
	if err != nil {
		return 0, 0, nil, err
	}
	hi, err := readInt32(r)
	if err != nil {
		return 0, 0, nil, err
	}
	delta, err := readWideInt(r)
	if err != nil {
		return 0, 0, nil, err
	}
	return lo, hi, delta, nil
}

func encodePoolUpdateMessage(w io.Writer, m PoolUpdateMessage) error {
	if err := writePoolIdentifier(w, m.Pool); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(m.Protocol)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(m.Kind)); err != nil {
		return err
	}
	if err := writeUint64(w, m.BlockNumber); err != nil {
		return err
	}
	if err := writeUint64(w, m.BlockTimestamp); err != nil {
		return err
	}
	if err := writeUint64(w, m.TxIndex); err != nil {
		return err
	}
	if err := writeUint64(w, m.LogIndex); err != nil {
		return err
	}
	if err := writeBool(w, m.IsRevert); err != nil {
		return err
	}
	return EncodeDelta(w, m.Delta)
}

func decodePoolUpdateMessage(r io.Reader) (PoolUpdateMessage, error) {
	var m PoolUpdateMessage
	pool, err := readPoolIdentifier(r)
	if err != nil {
		return m, err
	}
	proto, err := readUint32(r)
	if err != nil {
		return m, err
	}
	kind, err := readUint32(r)
	if err != nil {
		return m, err
	}
	blockNumber, err := readUint64(r)
	if err != nil {
		return m, err
	}
	blockTimestamp, err := readUint64(r)
	if err != nil {
		return m, err
	}
	txIndex, err := readUint64(r)
	if err != nil {
		return m, err
	}
	logIndex, err := readUint64(r)
	if err != nil {
		return m, err
	}
	isRevert, err := readBool(r)
	if err != nil {
		return m, err
	}
	delta, err := DecodeDelta(r)
	if err != nil {
		return m, err
	}
	m.Pool = pool
	m.Protocol = Protocol(proto)
	m.Kind = UpdateKind(kind)
	m.BlockNumber = blockNumber
	m.BlockTimestamp = blockTimestamp
	m.TxIndex = txIndex
	m.LogIndex = logIndex
	m.IsRevert = isRevert
	m.Delta = delta
	return m, nil
}

func writeOptionalUint64(w io.Writer, v *uint64) error {
	if v == nil {
		return writeBool(w, false)
	}
	if err := writeBool(w, true); err != nil {
		return err
	}
	return writeUint64(w, *v)
}

func readOptionalUint64(r io.Reader) (*uint64, error) {
	present, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	v, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeReorgRange(w io.Writer, rr ReorgRange) error {
	if err := writeOptionalUint64(w, rr.FirstBlock); err != nil {
		return err
	}
	if err := writeOptionalUint64(w, rr.LastBlock); err != nil {
		return err
	}
	return writeUint64(w, rr.BlockCount)
}

func readReorgRange(r io.Reader) (ReorgRange, error) {
	first, err := readOptionalUint64(r)
	if err != nil {
		return ReorgRange{}, err
	}
	last, err := readOptionalUint64(r)
	if err != nil {
		return ReorgRange{}, err
	}
	count, err := readUint64(r)
	if err != nil {
		return ReorgRange{}, err
	}
	return ReorgRange{FirstBlock: first, LastBlock: last, BlockCount: count}, nil
}

func writeOptionalUint32(w io.Writer, v *uint32) error {
	if v == nil {
		return writeBool(w, false)
	}
	if err := writeBool(w, true); err != nil {
		return err
	}
	return writeUint32(w, *v)
}

func readOptionalUint32(r io.Reader) (*uint32, error) {
	present, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	v, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeOptionalInt32(w io.Writer, v *int32) error {
	if v == nil {
		return writeBool(w, false)
	}
	if err := writeBool(w, true); err != nil {
		return err
	}
	return writeInt32(w, *v)
}

func readOptionalInt32(r io.Reader) (*int32, error) {
	present, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	v, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writePoolMetadata(w io.Writer, m PoolMetadata) error {
	if err := writePoolIdentifier(w, m.Pool); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(m.Protocol)); err != nil {
		return err
	}
	if err := writeAddress(w, m.Token0); err != nil {
		return err
	}
	if err := writeAddress(w, m.Token1); err != nil {
		return err
	}
	if err := writeOptionalUint32(w, m.Fee); err != nil {
		return err
	}
	return writeOptionalInt32(w, m.TickSpacing)
}

func readPoolMetadata(r io.Reader) (PoolMetadata, error) {
	var m PoolMetadata
	pool, err := readPoolIdentifier(r)
	if err != nil {
		return m, err
	}
	proto, err := readUint32(r)
	if err != nil {
		return m, err
	}
	token0, err := readAddress(r)
	if err != nil {
		return m, err
	}
	token1, err := readAddress(r)
	if err != nil {
		return m, err
	}
	fee, err := readOptionalUint32(r)
	if err != nil {
		return m, err
	}
	tickSpacing, err := readOptionalInt32(r)
	if err != nil {
		return m, err
	}
	m.Pool = pool
	m.Protocol = Protocol(proto)
	m.Token0 = token0
	m.Token1 = token1
	m.Fee = fee
	m.TickSpacing = tickSpacing
	return m, nil
}

func writeWhitelistUpdate(w io.Writer, u WhitelistUpdate) error {
	if err := writeUint32(w, uint32(u.Kind)); err != nil {
		return err
	}
	switch u.Kind {
	case WhitelistAdd, WhitelistReplace:
		if err := writeUint64(w, uint64(len(u.Pools))); err != nil {
			return err
		}
		for _, p := range u.Pools {
			if err := writePoolMetadata(w, p); err != nil {
				return err
			}
		}
	case WhitelistRemove:
		if err := writeUint64(w, uint64(len(u.IDs))); err != nil {
			return err
		}
		for _, id := range u.IDs {
			if err := writePoolIdentifier(w, id); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("poolevents: unknown whitelist kind %d", u.Kind)
	}
	return nil
}

func readWhitelistUpdate(r io.Reader) (WhitelistUpdate, error) {
	var u WhitelistUpdate
	kind, err := readUint32(r)
	if err != nil {
		return u, err
	}
	u.Kind = WhitelistKind(kind)
	n, err := readUint64(r)
	if err != nil {
		return u, err
	}
	switch u.Kind {
	case WhitelistAdd, WhitelistReplace:
		u.Pools = make([]PoolMetadata, 0, n)
		for i := uint64(0); i < n; i++ {
			p, err := readPoolMetadata(r)
			if err != nil {
				return u, err
			}
			u.Pools = append(u.Pools, p)
		}
	case WhitelistRemove:
		u.IDs = make([]PoolIdentifier, 0, n)
		for i := uint64(0); i < n; i++ {
			id, err := readPoolIdentifier(r)
			if err != nil {
				return u, err
			}
			u.IDs = append(u.IDs, id)
		}
	default:
		return u, fmt.Errorf("poolevents: unknown whitelist kind %d", kind)
	}
	return u, nil
}

// EncodeControlMessage writes a ControlMessage's 4-byte outer discriminant
// followed by its variant-specific fields. It does not write the 4-byte
// frame length prefix; see WriteFrame for that.
func EncodeControlMessage(w io.Writer, msg ControlMessage) error {
	if err := writeUint32(w, uint32(msg.ControlKind())); err != nil {
		return err
	}
	switch m := msg.(type) {
	case UpdateWhitelistMsg:
		if err := writeUint64(w, m.Seq); err != nil {
			return err
		}
		return writeWhitelistUpdate(w, m.Update)
	case BeginBlockMsg:
		if err := writeUint64(w, m.Seq); err != nil {
			return err
		}
		if err := writeUint64(w, m.BlockNumber); err != nil {
			return err
		}
		if err := writeUint64(w, m.BlockTimestamp); err != nil {
			return err
		}
		return writeBool(w, m.IsRevert)
	case PoolUpdateMsg:
		if err := writeUint64(w, m.Seq); err != nil {
			return err
		}
		return encodePoolUpdateMessage(w, m.Envelope)
	case EndBlockMsg:
		if err := writeUint64(w, m.Seq); err != nil {
			return err
		}
		if err := writeUint64(w, m.BlockNumber); err != nil {
			return err
		}
		return writeUint64(w, m.NumUpdates)
	case PingMsg:
		return writeUint64(w, m.Seq)
	case PongMsg:
		return writeUint64(w, m.Seq)
	case ReorgStartMsg:
		if err := writeUint64(w, m.Seq); err != nil {
			return err
		}
		if err := writeReorgRange(w, m.OldRange); err != nil {
			return err
		}
		return writeReorgRange(w, m.NewRange)
	case ReorgCompleteMsg:
		if err := writeUint64(w, m.Seq); err != nil {
			return err
		}
		if err := writeUint64(w, m.FinalTipBlock); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(m.Slot0ResyncRequired))); err != nil {
			return err
		}
		for _, id := range m.Slot0ResyncRequired {
			if err := writePoolIdentifier(w, id); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("poolevents: unknown control message type %T", msg)
	}
}

// DecodeControlMessage reads a ControlMessage previously written by
// EncodeControlMessage (without the frame length prefix).
func DecodeControlMessage(r io.Reader) (ControlMessage, error) {
	kind, err := readUint32(r)
	if err != nil {
		return nil, errShortRead("control message kind", err)
	}
	switch ControlKind(kind) {
	case ControlUpdateWhitelist:
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		u, err := readWhitelistUpdate(r)
		if err != nil {
			return nil, err
		}
		return UpdateWhitelistMsg{Seq: seq, Update: u}, nil
	case ControlBeginBlock:
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		blockNumber, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		blockTimestamp, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		isRevert, err := readBool(r)
		if err != nil {
			return nil, err
		}
		return BeginBlockMsg{Seq: seq, BlockNumber: blockNumber, BlockTimestamp: blockTimestamp, IsRevert: isRevert}, nil
	case ControlPoolUpdate:
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		env, err := decodePoolUpdateMessage(r)
		if err != nil {
			return nil, err
		}
		return PoolUpdateMsg{Seq: seq, Envelope: env}, nil
	case ControlEndBlock:
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		blockNumber, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		numUpdates, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return EndBlockMsg{Seq: seq, BlockNumber: blockNumber, NumUpdates: numUpdates}, nil
	case ControlPing:
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return PingMsg{Seq: seq}, nil
	case ControlPong:
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return PongMsg{Seq: seq}, nil
	case ControlReorgStart:
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		oldRange, err := readReorgRange(r)
		if err != nil {
			return nil, err
		}
		newRange, err := readReorgRange(r)
		if err != nil {
			return nil, err
		}
		return ReorgStartMsg{Seq: seq, OldRange: oldRange, NewRange: newRange}, nil
	case ControlReorgComplete:
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		finalTip, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		n, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		ids := make([]PoolIdentifier, 0, n)
		for i := uint64(0); i < n; i++ {
			id, err := readPoolIdentifier(r)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ReorgCompleteMsg{Seq: seq, FinalTipBlock: finalTip, Slot0ResyncRequired: ids}, nil
	default:
		return nil, fmt.Errorf("poolevents: unknown control kind %d", kind)
	}
}
