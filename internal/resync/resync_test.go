package resync

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ethpools/liquidity-exex/internal/poolevents"
)

func TestDrainWithoutBeginReturnsEmpty(t *testing.T) {
	s := New(16)
	s.Observe(poolevents.AddressIdentifier(common.HexToAddress("0x1")))
	require.Empty(t, s.Drain())
}

func TestObserveDedupesWithinWindow(t *testing.T) {
	s := New(16)
	addr := common.HexToAddress("0x1")
	s.Begin()
	s.Observe(poolevents.AddressIdentifier(addr))
	s.Observe(poolevents.AddressIdentifier(addr))
	s.Observe(poolevents.AddressIdentifier(addr))
	ids := s.Drain()
	require.Len(t, ids, 1)
}

func TestDrainOrdersAddressesBeforePoolKeysThenLexicographically(t *testing.T) {
	s := New(16)
	addrHigh := common.HexToAddress("0xff")
	addrLow := common.HexToAddress("0x01")
	var keyA, keyB [32]byte
	keyA[31] = 0x01
	keyB[31] = 0x02

	s.Begin()
	s.Observe(poolevents.PoolKeyIdentifier(keyB))
	s.Observe(poolevents.AddressIdentifier(addrHigh))
	s.Observe(poolevents.PoolKeyIdentifier(keyA))
	s.Observe(poolevents.AddressIdentifier(addrLow))
	ids := s.Drain()

	require.Len(t, ids, 4)
	require.Equal(t, poolevents.IdentifierAddress, ids[0].Kind)
	require.Equal(t, poolevents.IdentifierAddress, ids[1].Kind)
	require.True(t, ids[0].Equal(poolevents.AddressIdentifier(addrLow)))
	require.True(t, ids[1].Equal(poolevents.AddressIdentifier(addrHigh)))
	require.Equal(t, poolevents.IdentifierPoolKey, ids[2].Kind)
	require.Equal(t, poolevents.IdentifierPoolKey, ids[3].Kind)
	require.True(t, ids[2].Equal(poolevents.PoolKeyIdentifier(keyA)))
	require.True(t, ids[3].Equal(poolevents.PoolKeyIdentifier(keyB)))
}

func TestDrainClosesWindowAndResetsForNextRevert(t *testing.T) {
	s := New(16)
	s.Begin()
	s.Observe(poolevents.AddressIdentifier(common.HexToAddress("0x1")))
	first := s.Drain()
	require.Len(t, first, 1)

	// Window is closed; observations outside Begin/Drain are dropped.
	s.Observe(poolevents.AddressIdentifier(common.HexToAddress("0x2")))
	require.Empty(t, s.Drain())
}

func TestEvictionBeyondCapacityLogsButDoesNotPanic(t *testing.T) {
	s := New(2)
	s.Begin()
	s.Observe(poolevents.AddressIdentifier(common.HexToAddress("0x1")))
	s.Observe(poolevents.AddressIdentifier(common.HexToAddress("0x2")))
	s.Observe(poolevents.AddressIdentifier(common.HexToAddress("0x3")))
	ids := s.Drain()
	require.Len(t, ids, 2)
}
