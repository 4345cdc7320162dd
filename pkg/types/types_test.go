package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	hexAddr := strings.Repeat("ab", 32)

	addr, err := ParseAddress(hexAddr)
	require.NoError(t, err)
	assert.Equal(t, hexAddr, addr.Hex())

	// 0x prefix parses to the same address
	prefixed, err := ParseAddress("0x" + hexAddr)
	require.NoError(t, err)
	assert.Equal(t, addr, prefixed)
}

func TestParseAddressRejectsBadInput(t *testing.T) {
	_, err := ParseAddress("zz")
	assert.Error(t, err)

	// 31 bytes
	_, err = ParseAddress(strings.Repeat("ab", 31))
	assert.Error(t, err)

	// 33 bytes
	_, err = ParseAddress(strings.Repeat("ab", 33))
	assert.Error(t, err)
}

func TestAddressShortID(t *testing.T) {
	addr, err := ParseAddress("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, "abababab", addr.ShortID())
}

func testManifest() *Manifest {
	return &Manifest{
		CodeHash:      make([]byte, 32),
		HashAlgorithm: HashBlake2b256,
		ABIVersion:    0,
		Limits: ResourceLimits{
			MaxMemoryPages:  256,
			MaxGasPerEpoch:  1_000_000,
			MaxNetBytes:     1 << 20,
			MaxStorageBytes: 1 << 20,
		},
		Args: []string{"--echo"},
	}
}

func TestManifestAddressDeterministic(t *testing.T) {
	a1, err := testManifest().Address()
	require.NoError(t, err)
	a2, err := testManifest().Address()
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestManifestAddressChangesWithContent(t *testing.T) {
	base, err := testManifest().Address()
	require.NoError(t, err)

	changed := testManifest()
	changed.Limits.MaxGasPerEpoch++
	other, err := changed.Address()
	require.NoError(t, err)
	assert.NotEqual(t, base, other)
}

func TestManifestEncodeDecodeRoundTrip(t *testing.T) {
	m := testManifest()
	data, err := m.Encode()
	require.NoError(t, err)

	decoded, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	// Round-tripped manifest derives the same address
	a1, err := m.Address()
	require.NoError(t, err)
	a2, err := decoded.Address()
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestManifestValidate(t *testing.T) {
	m := testManifest()
	require.NoError(t, m.Validate())

	m.CodeHash = m.CodeHash[:31]
	assert.Error(t, m.Validate())

	m = testManifest()
	m.HashAlgorithm = "md5"
	assert.Error(t, m.Validate())
}

func TestParseAccountID(t *testing.T) {
	// Well-known sr25519 development account (Alice)
	account, err := ParseAccountID("5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY")
	require.NoError(t, err)
	assert.Equal(t,
		"d43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d",
		Bytes32(account).Hex())
}

func TestParseAccountIDRejectsTampered(t *testing.T) {
	_, err := ParseAccountID("5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQZ")
	assert.Error(t, err)

	_, err = ParseAccountID("not-an-account")
	assert.Error(t, err)
}
