package keychain

import (
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// pathToHash inverts HashToPath. It only exists to prove that no entropy is
// lost by the encoding.
func pathToHash(path DerivationPath) chainhash.Hash {
	var hash chainhash.Hash
	for i := 0; i < numWords; i++ {
		word := path[i] | ((path[numWords]>>i)&1)<<31
		binary.BigEndian.PutUint32(hash[i*wordSize:], word)
	}

	return hash
}

func genHash() *rapid.Generator[chainhash.Hash] {
	return rapid.Custom(func(t *rapid.T) chainhash.Hash {
		var hash chainhash.Hash
		b := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "hash")
		copy(hash[:], b)

		return hash
	})
}

func newTestRoot(t testing.TB, seedByte byte) *hdkeychain.ExtendedKey {
	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	for i := range seed {
		seed[i] = seedByte
	}

	root, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return root
}

// TestHashToPathVectors checks the all-zero and all-one hashes.
func TestHashToPathVectors(t *testing.T) {
	t.Parallel()

	var zero chainhash.Hash
	require.Equal(t, DerivationPath{}, HashToPath(zero))

	var ones chainhash.Hash
	for i := range ones {
		ones[i] = 0xff
	}
	path := HashToPath(ones)
	for i := 0; i < numWords; i++ {
		require.Equal(t, uint32(0x7fffffff), path[i])
	}
	require.Equal(t, uint32(0xff), path[numWords])
}

// TestHashToPathHighBitPlacement flips the top bit of each word in turn and
// checks which bit of the ninth index picks it up.
func TestHashToPathHighBitPlacement(t *testing.T) {
	t.Parallel()

	for i := 0; i < numWords; i++ {
		var hash chainhash.Hash
		hash[i*wordSize] = 0x80

		path := HashToPath(hash)
		require.Equal(t, uint32(1)<<i, path[numWords])
		require.Equal(t, uint32(0), path[i])
	}
}

// TestHashToPathSingleBitsDistinct exhaustively checks that every single bit
// hash maps to its own path.
func TestHashToPathSingleBitsDistinct(t *testing.T) {
	t.Parallel()

	seen := map[DerivationPath]int{
		HashToPath(chainhash.Hash{}): -1,
	}
	for bit := 0; bit < chainhash.HashSize*8; bit++ {
		var hash chainhash.Hash
		hash[bit/8] = 1 << (bit % 8)

		path := HashToPath(hash)
		prev, ok := seen[path]
		require.Falsef(t, ok, "bit %d collides with bit %d", bit, prev)
		seen[path] = bit
	}
}

// TestHashToPathProperties checks that the encoding is invertible, keeps
// every index in the non-hardened range and is deterministic.
func TestHashToPathProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		hash := genHash().Draw(t, "h")
		path := HashToPath(hash)

		for i, index := range path {
			if index >= hdkeychain.HardenedKeyStart {
				t.Fatalf("index %d is hardened: %x", i, index)
			}
		}
		if path[numWords] > 0xff {
			t.Fatalf("high bit index out of range: %x",
				path[numWords])
		}
		if pathToHash(path) != hash {
			t.Fatalf("path %v does not decode to %v", path, hash)
		}
		if HashToPath(hash) != path {
			t.Fatalf("encoding is not deterministic")
		}

		other := genHash().Draw(t, "h2")
		if other != hash && HashToPath(other) == path {
			t.Fatalf("%v and %v share path %v", hash, other, path)
		}
	})
}

// TestDerivationPathString checks the textual form of a path.
func TestDerivationPathString(t *testing.T) {
	t.Parallel()

	path := DerivationPath{1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.Equal(t, "m/1/2/3/4/5/6/7/8/9", path.String())
}

// TestKeyAgreement asserts that the private key derived by the oracle and the
// public key derived from the neutered master agree for arbitrary hashes.
func TestKeyAgreement(t *testing.T) {
	t.Parallel()

	root := newTestRoot(t, 0x42)
	pubRoot, err := root.Neuter()
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		hash := genHash().Draw(rt, "h")

		privKey, err := DerivePrivKey(root, hash)
		require.NoError(rt, err)

		pubKey, err := DerivePubKey(pubRoot, hash)
		require.NoError(rt, err)

		require.True(rt, privKey.PubKey().IsEqual(pubKey))
	})
}

// TestDerivePrivKeyRequiresPrivateRoot ensures a neutered key cannot be used
// to obtain signing material.
func TestDerivePrivKeyRequiresPrivateRoot(t *testing.T) {
	t.Parallel()

	root := newTestRoot(t, 0x01)
	pubRoot, err := root.Neuter()
	require.NoError(t, err)

	_, err = DerivePrivKey(pubRoot, chainhash.Hash{})
	require.ErrorIs(t, err, ErrNotPrivate)
}

// TestDistinctRootsDistinctKeys checks that two oracles never hand out the
// same key for the same hash.
func TestDistinctRootsDistinctKeys(t *testing.T) {
	t.Parallel()

	hash := chainhash.HashH([]byte("commitment"))

	a, err := DerivePubKey(newTestRoot(t, 0x01), hash)
	require.NoError(t, err)

	b, err := DerivePubKey(newTestRoot(t, 0x02), hash)
	require.NoError(t, err)

	require.False(t, a.IsEqual(b))
}
