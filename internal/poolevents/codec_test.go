package poolevents

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func roundTripControl(t *testing.T, msg ControlMessage) ControlMessage {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	return got
}

func TestControlMessageRoundTrip(t *testing.T) {
	addr := common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	var key [32]byte
	key[31] = 0x01

	cases := []ControlMessage{
		BeginBlockMsg{Seq: 1, BlockNumber: 23741637, BlockTimestamp: 1730000000, IsRevert: false},
		EndBlockMsg{Seq: 3, BlockNumber: 23741637, NumUpdates: 1},
		PingMsg{Seq: 9},
		PongMsg{Seq: 10},
		PoolUpdateMsg{
			Seq: 2,
			Envelope: PoolUpdateMessage{
				Pool:           AddressIdentifier(addr),
				Protocol:       ProtocolV3,
				Kind:           KindSwap,
				BlockNumber:    23741637,
				BlockTimestamp: 1730000000,
				TxIndex:        0,
				LogIndex:       0,
				IsRevert:       false,
				Delta: &V3SwapDelta{
					SqrtPriceX96: uint256.MustFromDecimal("1382840672037684546977487336313952"),
					Liquidity:    uint256.MustFromDecimal("3100233156779584315"),
					Tick:         195356,
				},
			},
		},
		PoolUpdateMsg{
			Seq: 4,
			Envelope: PoolUpdateMessage{
				Pool:     PoolKeyIdentifier(key),
				Protocol: ProtocolV4,
				Kind:     KindBurn,
				Delta: &V4LiquidityDelta{
					TickLower:      -100,
					TickUpper:      100,
					LiquidityDelta: big.NewInt(-500),
				},
			},
		},
		func() ControlMessage {
			first := uint64(100)
			last := uint64(100)
			newFirst := uint64(100)
			newLast := uint64(101)
			return ReorgStartMsg{
				Seq:      5,
				OldRange: ReorgRange{FirstBlock: &first, LastBlock: &last, BlockCount: 1},
				NewRange: ReorgRange{FirstBlock: &newFirst, LastBlock: &newLast, BlockCount: 2},
			}
		}(),
		ReorgCompleteMsg{
			Seq:           6,
			FinalTipBlock: 101,
			Slot0ResyncRequired: []PoolIdentifier{
				AddressIdentifier(addr),
				PoolKeyIdentifier(key),
			},
		},
		UpdateWhitelistMsg{
			Seq: 7,
			Update: WhitelistUpdate{
				Kind: WhitelistAdd,
				Pools: []PoolMetadata{
					{Pool: AddressIdentifier(addr), Protocol: ProtocolV3},
				},
			},
		},
	}

	for _, c := range cases {
		got := roundTripControl(t, c)
		require.Equal(t, c, got)
	}
}

func TestV2SwapDeltaSignRoundTrip(t *testing.T) {
	d := &V2SwapDelta{
		Amount0: big.NewInt(-1512537406709823118),
		Amount1: big.NewInt(4965441256),
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeDelta(&buf, d))
	got, err := DecodeDelta(&buf)
	require.NoError(t, err)
	gv, ok := got.(*V2SwapDelta)
	require.True(t, ok)
	require.Equal(t, 0, d.Amount0.Cmp(gv.Amount0))
	require.Equal(t, 0, d.Amount1.Cmp(gv.Amount1))
}

func TestWideIntSignBoundary(t *testing.T) {
	for _, v := range []*big.Int{
		big.NewInt(0),
		big.NewInt(-1),
		maxInt128,
		minInt128,
		new(big.Int).Neg(big.NewInt(1 << 40)),
	} {
		var buf bytes.Buffer
		require.NoError(t, writeWideInt(&buf, v, 16))
		got, err := readWideInt(&buf)
		require.NoError(t, err)
		require.Equal(t, 0, v.Cmp(got), "value %s round-tripped as %s", v, got)
	}
}

func TestSaturateInt128(t *testing.T) {
	tooBig := new(big.Int).Add(maxInt128, big.NewInt(1))
	clamped, saturated := SaturateInt128(tooBig)
	require.True(t, saturated)
	require.Equal(t, 0, clamped.Cmp(maxInt128))

	withinRange := big.NewInt(42)
	clamped, saturated = SaturateInt128(withinRange)
	require.False(t, saturated)
	require.Equal(t, 0, clamped.Cmp(withinRange))
}

func TestPoolIdentifierGoString(t *testing.T) {
	addr := AddressIdentifier(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	require.Contains(t, addr.GoString(), "poolevents.AddressIdentifier(")
	require.Contains(t, addr.GoString(), addr.Addr.Hex())

	var key [32]byte
	key[0] = 0xAB
	k := PoolKeyIdentifier(key)
	require.Contains(t, k.GoString(), "poolevents.PoolKeyIdentifier(")
}

func TestControlMessageMarshalBinaryRoundTrip(t *testing.T) {
	want := BeginBlockMsg{Seq: 1, BlockNumber: 100, BlockTimestamp: 1000, IsRevert: true}
	data, err := want.MarshalBinary()
	require.NoError(t, err)

	var got BeginBlockMsg
	require.NoError(t, got.UnmarshalBinary(data))
	require.Equal(t, want, got)
}

func TestControlMessageUnmarshalBinaryRejectsWrongVariant(t *testing.T) {
	data, err := EndBlockMsg{Seq: 1, BlockNumber: 5, NumUpdates: 2}.MarshalBinary()
	require.NoError(t, err)

	var wrong BeginBlockMsg
	require.Error(t, wrong.UnmarshalBinary(data))
}

func TestPoolIdentifierEqualAndBytes(t *testing.T) {
	a := AddressIdentifier(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	b := AddressIdentifier(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	c := AddressIdentifier(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.Len(t, a.Bytes(), 20)

	var key [32]byte
	key[0] = 0xAB
	k := PoolKeyIdentifier(key)
	require.Len(t, k.Bytes(), 32)
	require.False(t, a.Equal(k))
}
