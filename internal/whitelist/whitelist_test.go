package whitelist

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ethpools/liquidity-exex/internal/poolevents"
)

func TestParsePoolIdentifierAddress(t *testing.T) {
	addr := "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"
	id, err := parsePoolIdentifier(addr)
	require.NoError(t, err)
	require.Equal(t, poolevents.IdentifierAddress, id.Kind)
	require.Equal(t, common.HexToAddress(addr), id.Addr)
}

func TestParsePoolIdentifierPoolKey(t *testing.T) {
	key := "0x" + "07" + "0000000000000000000000000000000000000000000000000000000000000000"[2:]
	id, err := parsePoolIdentifier(key)
	require.NoError(t, err)
	require.Equal(t, poolevents.IdentifierPoolKey, id.Kind)
}

func TestParsePoolIdentifierInvalidLength(t *testing.T) {
	_, err := parsePoolIdentifier("0xdead")
	require.Error(t, err)
}

func TestParsePoolIdentifierBadAddressChecksumStillParses(t *testing.T) {
	// common.IsHexAddress does not enforce EIP-55 checksums; any 40-hex-char
	// string parses as an address.
	_, err := parsePoolIdentifier("0x88E6a0c2dDD26FEEb64F039a2c41296FcB3f5640")
	require.NoError(t, err)
}

func TestParseProtocol(t *testing.T) {
	p, err := parseProtocol("V3")
	require.NoError(t, err)
	require.Equal(t, poolevents.ProtocolV3, p)

	_, err = parseProtocol("v5")
	require.Error(t, err)
}

func TestTranslateAdd(t *testing.T) {
	msg := wireMessage{
		Type:      "add",
		Pools:     []string{"0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"},
		Protocols: []string{"v3"},
		Chain:     "ethereum",
	}
	update, err := translate(msg)
	require.NoError(t, err)
	require.Equal(t, poolevents.WhitelistAdd, update.Kind)
	require.Len(t, update.Pools, 1)
	require.Equal(t, poolevents.ProtocolV3, update.Pools[0].Protocol)
}

func TestTranslateAddSkipsInvalidEntriesOnly(t *testing.T) {
	msg := wireMessage{
		Type:      "add",
		Pools:     []string{"0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640", "0xnotahexaddress0000000000000000000000000"},
		Protocols: []string{"v3", "v2"},
	}
	update, err := translate(msg)
	require.NoError(t, err)
	require.Len(t, update.Pools, 1)
}

func TestTranslateMismatchedParallelArraysRejected(t *testing.T) {
	msg := wireMessage{
		Type:      "add",
		Pools:     []string{"0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"},
		Protocols: []string{},
	}
	_, err := translate(msg)
	require.Error(t, err)
}

func TestTranslateRemove(t *testing.T) {
	msg := wireMessage{
		Type:  "remove",
		Pools: []string{"0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"},
	}
	update, err := translate(msg)
	require.NoError(t, err)
	require.Equal(t, poolevents.WhitelistRemove, update.Kind)
	require.Len(t, update.IDs, 1)
}

func TestTranslateUnknownType(t *testing.T) {
	_, err := translate(wireMessage{Type: "bogus"})
	require.Error(t, err)
}

func TestIngestorSubject(t *testing.T) {
	in := New(Config{Chain: "ethereum"}, nil)
	require.Equal(t, "whitelist.pools.ethereum.minimal", in.subject())
}
