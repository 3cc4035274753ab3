package lncfg

import (
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// addressTest defines a test vector for an address that contains the non-
// normalized input and the expected normalized output.
type addressTest struct {
	address         string
	expectedNetwork string
	expectedAddress string
	isLoopback      bool
	isUnix          bool
}

var (
	defaultTestPort    = "1234"
	addressTestVectors = []addressTest{
		{"tcp://127.0.0.1:9915", "tcp", "127.0.0.1:9915", true, false},
		{"tcp:127.0.0.1:9915", "tcp", "127.0.0.1:9915", true, false},
		{"127.0.0.1:9915", "tcp", "127.0.0.1:9915", true, false},
		{":9915", "tcp", ":9915", false, false},
		{"", "tcp", ":1234", false, false},
		{":", "tcp", ":1234", false, false},
		{"tcp4://127.0.0.1:9915", "tcp", "127.0.0.1:9915", true, false},
		{"tcp4:127.0.0.1:9915", "tcp", "127.0.0.1:9915", true, false},
		{"127.0.0.1", "tcp", "127.0.0.1:1234", true, false},
		{"[::1]", "tcp", "[::1]:1234", true, false},
		{"::1", "tcp", "[::1]:1234", true, false},
		{"tcp6://::1", "tcp", "[::1]:1234", true, false},
		{"tcp6:::1", "tcp", "[::1]:1234", true, false},
		{"unix:///tmp/ctvoracle.sock", "unix", "/tmp/ctvoracle.sock",
			false, true},
		{"unix:/tmp/ctvoracle.sock", "unix", "/tmp/ctvoracle.sock",
			false, true},
	}
	invalidTestVectors = []string{
		"udp://127.0.0.1:9915",
		"ip4:127.0.0.1",
		"tcp://127.0.0.1:notaport",
	}
)

// TestAddresses ensures that all supported address formats can be parsed and
// normalized correctly.
func TestAddresses(t *testing.T) {
	// First, test all correct addresses.
	for _, test := range addressTestVectors {
		t.Run(test.address, func(t *testing.T) {
			testAddress(t, test)
		})
	}

	// Finally, test invalid inputs to see if they are handled correctly.
	for _, invalidAddr := range invalidTestVectors {
		t.Run(invalidAddr, func(t *testing.T) {
			testInvalidAddress(t, invalidAddr)
		})
	}
}

// testAddress parses an address from its string representation, and
// asserts that the parsed net.Addr is correct against the given test case.
func testAddress(t *testing.T, test addressTest) {
	addr := []string{test.address}
	normalized, err := NormalizeAddresses(
		addr, defaultTestPort, net.ResolveTCPAddr,
	)
	require.NoError(t, err)
	require.Len(t, normalized, 1)

	netAddr := normalized[0]
	require.Equal(t, test.expectedNetwork, netAddr.Network())
	require.Equal(t, test.expectedAddress, netAddr.String())
	require.Equal(t, test.isLoopback, IsLoopback(netAddr.String()))
	require.Equal(t, test.isUnix, IsUnix(netAddr))
}

// testInvalidAddress asserts that parsing the invalidAddr string using
// NormalizeAddresses results in an error.
func testInvalidAddress(t *testing.T, invalidAddr string) {
	addr := []string{invalidAddr}
	_, err := NormalizeAddresses(
		addr, defaultTestPort, net.ResolveTCPAddr,
	)
	require.Error(t, err)
}

// TestNormalizeAddressesDeduplicates checks equivalent spellings collapse into
// one address.
func TestNormalizeAddressesDeduplicates(t *testing.T) {
	normalized, err := NormalizeAddresses(
		[]string{"127.0.0.1", "tcp://127.0.0.1:1234", "127.0.0.1:1234"},
		defaultTestPort, net.ResolveTCPAddr,
	)
	require.NoError(t, err)
	require.Len(t, normalized, 1)
}

// TestParseOracleAddress checks the <xpub>@<addr> form.
func TestParseOracleAddress(t *testing.T) {
	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	root, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	pubRoot, err := root.Neuter()
	require.NoError(t, err)

	key, addr, err := ParseOracleAddress(pubRoot.String() + "@127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, pubRoot.String(), key.String())
	require.Equal(t, "127.0.0.1", addr)

	invalid := []string{
		"",
		"@127.0.0.1",
		pubRoot.String(),
		pubRoot.String() + "@",
		"xpubnotakey@127.0.0.1",
		root.String() + "@127.0.0.1",
		pubRoot.String() + "@a@b",
	}
	for _, test := range invalid {
		_, _, err := ParseOracleAddress(test)
		require.Error(t, err, test)
	}
}
