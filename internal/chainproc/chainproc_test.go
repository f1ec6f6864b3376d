package chainproc

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ethpools/liquidity-exex/internal/host"
	"github.com/ethpools/liquidity-exex/internal/poolevents"
	"github.com/ethpools/liquidity-exex/internal/resync"
	"github.com/ethpools/liquidity-exex/internal/tracker"
)

const (
	v3SwapSig            = "0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67"
	v4SwapSig            = "0x40e9cecb9f5f1f1c5b9c97dec2917b7ee92e57ba5563708daca94dd84ad7112f"
	v2MintSig            = "0x4c209b5fc8ad50758f13e2e1088ba56a560dff690a1c6fef26394f4c03821c4f"
	testManagerAddr      = "0x000000000004444c5dc75cB358380D2e3dE08A90"
)

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func signedWord(v *big.Int) []byte {
	if v.Sign() >= 0 {
		return word(v)
	}
	mod := new(big.Int).Lsh(big.NewInt(1), 256)
	tc := new(big.Int).Add(mod, v)
	return common.LeftPadBytes(tc.Bytes(), 32)
}

func concatWords(ws ...[]byte) []byte {
	var out []byte
	for _, w := range ws {
		out = append(out, w...)
	}
	return out
}

func v3SwapLog(pool common.Address, txIdx, logIdx uint, sqrtPriceX96, liquidity *big.Int, tick int64) *types.Log {
	return &types.Log{
		Address: pool,
		Topics: []common.Hash{
			common.HexToHash(v3SwapSig),
			common.HexToHash("0x1"),
			common.HexToHash("0x2"),
		},
		Data: concatWords(
			signedWord(big.NewInt(0)),
			signedWord(big.NewInt(0)),
			word(sqrtPriceX96),
			word(liquidity),
			signedWord(big.NewInt(tick)),
		),
		TxIndex: txIdx,
		Index:   logIdx,
	}
}

func v2MintLog(pool common.Address, txIdx, logIdx uint, amount0, amount1 *big.Int) *types.Log {
	return &types.Log{
		Address: pool,
		Topics:  []common.Hash{common.HexToHash(v2MintSig), common.HexToHash("0x1")},
		Data:    concatWords(word(amount0), word(amount1)),
		TxIndex: txIdx,
		Index:   logIdx,
	}
}

func v4SwapLog(poolKeyByte byte, txIdx, logIdx uint) *types.Log {
	var poolKey common.Hash
	poolKey[31] = poolKeyByte
	return &types.Log{
		Address: common.HexToAddress(testManagerAddr),
		Topics: []common.Hash{
			common.HexToHash(v4SwapSig),
			poolKey,
			common.HexToHash("0x3"),
		},
		Data: concatWords(
			signedWord(big.NewInt(0)),
			signedWord(big.NewInt(0)),
			word(big.NewInt(1)),
			word(big.NewInt(1)),
			signedWord(big.NewInt(0)),
			word(big.NewInt(0)), // protocol fee, unused by the decoder
		),
		TxIndex: txIdx,
		Index:   logIdx,
	}
}

func blockWithLogs(number, timestamp uint64, logs ...*types.Log) *host.Block {
	return &host.Block{
		Header:   &types.Header{Number: big.NewInt(int64(number)), Time: timestamp},
		Receipts: types.Receipts{{Logs: logs}},
	}
}

type fakeStream struct {
	notifs []host.Notification
	idx    int
}

func (f *fakeStream) Next(ctx context.Context) (host.Notification, bool, error) {
	if f.idx >= len(f.notifs) {
		return nil, false, nil
	}
	n := f.notifs[f.idx]
	f.idx++
	return n, true, nil
}

type fakeAck struct {
	heights []uint64
}

func (f *fakeAck) Acknowledge(ctx context.Context, height uint64, hash common.Hash) error {
	f.heights = append(f.heights, height)
	return nil
}

type fakePublisher struct {
	msgs []poolevents.ControlMessage
}

func (f *fakePublisher) Publish(msg poolevents.ControlMessage) {
	f.msgs = append(f.msgs, msg)
}

func TestForwardV3Swap(t *testing.T) {
	pool := common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	tr := tracker.New(common.HexToAddress(testManagerAddr))
	tr.QueueUpdate(poolevents.WhitelistUpdate{
		Kind:  poolevents.WhitelistAdd,
		Pools: []poolevents.PoolMetadata{{Pool: poolevents.AddressIdentifier(pool), Protocol: poolevents.ProtocolV3}},
	})

	sqrtPriceX96, _ := new(big.Int).SetString("1382840672037684546977487336313952", 10)
	liquidity, _ := new(big.Int).SetString("3100233156779584315", 10)
	block := blockWithLogs(23741637, 1730000000, v3SwapLog(pool, 0, 0, sqrtPriceX96, liquidity, 195356))

	stream := &fakeStream{notifs: []host.Notification{host.Committed{New: []*host.Block{block}}}}
	ack := &fakeAck{}
	pub := &fakePublisher{}
	p := New(stream, ack, tr, resync.New(16), pub)

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, pub.msgs, 3)

	begin, ok := pub.msgs[0].(poolevents.BeginBlockMsg)
	require.True(t, ok)
	require.EqualValues(t, 1, begin.Seq)
	require.EqualValues(t, 23741637, begin.BlockNumber)
	require.EqualValues(t, 1730000000, begin.BlockTimestamp)
	require.False(t, begin.IsRevert)

	update, ok := pub.msgs[1].(poolevents.PoolUpdateMsg)
	require.True(t, ok)
	require.EqualValues(t, 2, update.Seq)
	require.False(t, update.Envelope.IsRevert)
	require.EqualValues(t, 0, update.Envelope.TxIndex)
	require.EqualValues(t, 0, update.Envelope.LogIndex)
	delta, ok := update.Envelope.Delta.(*poolevents.V3SwapDelta)
	require.True(t, ok)
	require.EqualValues(t, 195356, delta.Tick)

	end, ok := pub.msgs[2].(poolevents.EndBlockMsg)
	require.True(t, ok)
	require.EqualValues(t, 3, end.Seq)
	require.EqualValues(t, 1, end.NumUpdates)

	require.Equal(t, []uint64{23741637}, ack.heights)
}

func TestUntrackedV4PoolFiltersOutAtStage2(t *testing.T) {
	tr := tracker.New(common.HexToAddress(testManagerAddr))
	var trackedKey [32]byte
	trackedKey[31] = 0x01
	tr.QueueUpdate(poolevents.WhitelistUpdate{
		Kind: poolevents.WhitelistAdd,
		Pools: []poolevents.PoolMetadata{{
			Pool:     poolevents.PoolKeyIdentifier(trackedKey),
			Protocol: poolevents.ProtocolV4,
		}},
	})

	block := blockWithLogs(1, 1000, v4SwapLog(0x02, 0, 0))
	stream := &fakeStream{notifs: []host.Notification{host.Committed{New: []*host.Block{block}}}}
	pub := &fakePublisher{}
	p := New(stream, nil, tr, resync.New(16), pub)

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, pub.msgs, 2)
	end, ok := pub.msgs[1].(poolevents.EndBlockMsg)
	require.True(t, ok)
	require.EqualValues(t, 0, end.NumUpdates)
}

func TestReorgWithV3SwapRevert(t *testing.T) {
	poolP := common.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
	poolQ := common.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
	tr := tracker.New(common.HexToAddress(testManagerAddr))
	tr.QueueUpdate(poolevents.WhitelistUpdate{
		Kind: poolevents.WhitelistAdd,
		Pools: []poolevents.PoolMetadata{
			{Pool: poolevents.AddressIdentifier(poolP), Protocol: poolevents.ProtocolV3},
			{Pool: poolevents.AddressIdentifier(poolQ), Protocol: poolevents.ProtocolV2},
		},
	})

	sqrtPriceX96 := big.NewInt(1)
	liquidity := big.NewInt(1)
	old100 := blockWithLogs(100, 100, v3SwapLog(poolP, 0, 0, sqrtPriceX96, liquidity, 0))
	new100 := blockWithLogs(100, 100)
	new101 := blockWithLogs(101, 101, v2MintLog(poolQ, 0, 0, big.NewInt(5), big.NewInt(7)))

	stream := &fakeStream{notifs: []host.Notification{
		host.Reorged{Old: []*host.Block{old100}, New: []*host.Block{new100, new101}},
	}}
	pub := &fakePublisher{}
	p := New(stream, nil, tr, resync.New(16), pub)

	require.NoError(t, p.Run(context.Background()))

	kinds := make([]poolevents.ControlKind, len(pub.msgs))
	for i, m := range pub.msgs {
		kinds[i] = m.ControlKind()
	}
	require.Equal(t, []poolevents.ControlKind{
		poolevents.ControlReorgStart,
		poolevents.ControlBeginBlock, poolevents.ControlPoolUpdate, poolevents.ControlEndBlock, // old 100, revert
		poolevents.ControlBeginBlock, poolevents.ControlEndBlock, // new 100', empty
		poolevents.ControlBeginBlock, poolevents.ControlPoolUpdate, poolevents.ControlEndBlock, // new 101'
		poolevents.ControlReorgComplete,
	}, kinds)

	start := pub.msgs[0].(poolevents.ReorgStartMsg)
	require.EqualValues(t, 100, *start.OldRange.FirstBlock)
	require.EqualValues(t, 100, *start.OldRange.LastBlock)
	require.EqualValues(t, 1, start.OldRange.BlockCount)
	require.EqualValues(t, 100, *start.NewRange.FirstBlock)
	require.EqualValues(t, 101, *start.NewRange.LastBlock)
	require.EqualValues(t, 2, start.NewRange.BlockCount)

	revertUpdate := pub.msgs[2].(poolevents.PoolUpdateMsg)
	require.True(t, revertUpdate.Envelope.IsRevert)
	require.True(t, revertUpdate.Envelope.Pool.Equal(poolevents.AddressIdentifier(poolP)))

	complete := pub.msgs[len(pub.msgs)-1].(poolevents.ReorgCompleteMsg)
	require.EqualValues(t, 101, complete.FinalTipBlock)
	require.Len(t, complete.Slot0ResyncRequired, 1)
	require.True(t, complete.Slot0ResyncRequired[0].Equal(poolevents.AddressIdentifier(poolP)))
}

// TestReorgRevertsOldBlocksInHostOrder guards against reversing the `old`
// slice before replaying it: a multi-block revert must process old blocks in
// the order the host delivered them (oldest first), not newest-first. A
// single-element old slice can't catch a reversal since reversing it is a
// no-op.
func TestReorgRevertsOldBlocksInHostOrder(t *testing.T) {
	poolP := common.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
	poolQ := common.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
	tr := tracker.New(common.HexToAddress(testManagerAddr))
	tr.QueueUpdate(poolevents.WhitelistUpdate{
		Kind: poolevents.WhitelistAdd,
		Pools: []poolevents.PoolMetadata{
			{Pool: poolevents.AddressIdentifier(poolP), Protocol: poolevents.ProtocolV3},
			{Pool: poolevents.AddressIdentifier(poolQ), Protocol: poolevents.ProtocolV2},
		},
	})

	old100 := blockWithLogs(100, 100, v3SwapLog(poolP, 0, 0, big.NewInt(1), big.NewInt(1), 0))
	old101 := blockWithLogs(101, 101, v2MintLog(poolQ, 0, 0, big.NewInt(5), big.NewInt(7)))

	stream := &fakeStream{notifs: []host.Notification{
		host.Reverted{Old: []*host.Block{old100, old101}},
	}}
	pub := &fakePublisher{}
	p := New(stream, nil, tr, resync.New(16), pub)

	require.NoError(t, p.Run(context.Background()))

	var blockNumbers []uint64
	for _, m := range pub.msgs {
		if begin, ok := m.(poolevents.BeginBlockMsg); ok {
			blockNumbers = append(blockNumbers, begin.BlockNumber)
		}
	}
	require.Equal(t, []uint64{100, 101}, blockNumbers)

	var revertedPools []poolevents.PoolIdentifier
	for _, m := range pub.msgs {
		if upd, ok := m.(poolevents.PoolUpdateMsg); ok {
			revertedPools = append(revertedPools, upd.Envelope.Pool)
		}
	}
	require.Len(t, revertedPools, 2)
	require.True(t, revertedPools[0].Equal(poolevents.AddressIdentifier(poolP)))
	require.True(t, revertedPools[1].Equal(poolevents.AddressIdentifier(poolQ)))

	complete := pub.msgs[len(pub.msgs)-1].(poolevents.ReorgCompleteMsg)
	require.EqualValues(t, 99, complete.FinalTipBlock)
}

// TestWhitelistAddAppliesAtBlockBoundary checks that an Add queued while a
// block window is open stays deferred until EndBlock (asserted directly on
// the tracker), and that once the window has closed the Processor's scans
// see the pool: both following blocks carry its update.
func TestWhitelistAddAppliesAtBlockBoundary(t *testing.T) {
	pool := common.HexToAddress("0xCCCC000000000000000000000000000000CCCC")
	tr := tracker.New(common.HexToAddress(testManagerAddr))

	blockN := blockWithLogs(10, 10, v2MintLog(pool, 0, 0, big.NewInt(1), big.NewInt(1)))
	blockN1 := blockWithLogs(11, 11, v2MintLog(pool, 0, 0, big.NewInt(2), big.NewInt(2)))

	stream := &fakeStream{notifs: []host.Notification{
		host.Committed{New: []*host.Block{blockN, blockN1}},
	}}
	pub := &fakePublisher{}

	tr.BeginBlock()
	tr.QueueUpdate(poolevents.WhitelistUpdate{
		Kind:  poolevents.WhitelistAdd,
		Pools: []poolevents.PoolMetadata{{Pool: poolevents.AddressIdentifier(pool), Protocol: poolevents.ProtocolV2}},
	})
	require.False(t, tr.IsTrackedAddress(pool))
	tr.EndBlock()
	require.True(t, tr.IsTrackedAddress(pool))

	p := New(stream, nil, tr, resync.New(16), pub)
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, pub.msgs, 6)
	endBlockN := pub.msgs[2].(poolevents.EndBlockMsg)
	require.EqualValues(t, 10, endBlockN.BlockNumber)
	require.EqualValues(t, 1, endBlockN.NumUpdates)
}
