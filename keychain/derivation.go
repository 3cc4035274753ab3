package keychain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// PathLength is the number of child indices a commitment hash expands
	// into. Eight indices carry 31 bits of the hash each and the ninth
	// carries the eight most significant bits that were masked off.
	PathLength = 9

	// wordSize is the number of hash bytes consumed by each of the first
	// eight indices.
	wordSize = 4

	// numWords is the number of big-endian words a commitment hash is
	// split into.
	numWords = chainhash.HashSize / wordSize

	// indexMask clears the top bit of a word so that the resulting index
	// always lies in the non-hardened range.
	indexMask = hdkeychain.HardenedKeyStart - 1
)

var (
	// ErrDerivationFailed is returned when the HD derivation primitive
	// rejects one of the indices of a derivation path. This happens with
	// negligible probability but must be handled.
	ErrDerivationFailed = errors.New("unable to derive child key")

	// ErrNotPrivate is returned when a private key is requested from a
	// root key that only holds public material.
	ErrNotPrivate = errors.New("root key is not a private key")
)

// DerivationPath is the fixed length sequence of non-hardened child indices
// that a commitment hash maps to. Every index is strictly below 2^31.
type DerivationPath [PathLength]uint32

// String returns the path in the familiar m/a/b/c notation.
func (p DerivationPath) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, index := range p {
		fmt.Fprintf(&b, "/%d", index)
	}

	return b.String()
}

// HashToPath maps a 32-byte commitment hash onto a DerivationPath.
//
// The hash is read as eight big-endian 32-bit words. Each word, with its most
// significant bit cleared, becomes one of the first eight indices. The eight
// bits that were cleared are then packed into the ninth index, the bit of word
// i landing at bit position i. The mapping is a bijection between all 256-bit
// hashes and the paths it produces, so distinct hashes never share a key.
func HashToPath(hash chainhash.Hash) DerivationPath {
	var (
		path     DerivationPath
		highBits uint32
	)
	for i := 0; i < numWords; i++ {
		word := binary.BigEndian.Uint32(hash[i*wordSize : (i+1)*wordSize])

		path[i] = word & indexMask
		highBits |= (word >> 31) << i
	}
	path[numWords] = highBits

	return path
}

// DeriveChild walks the given path starting at root. The root may either be a
// private or a public extended key, the result is of the same kind.
func DeriveChild(root *hdkeychain.ExtendedKey,
	path DerivationPath) (*hdkeychain.ExtendedKey, error) {

	key := root
	for depth, index := range path {
		child, err := key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("%w: index %d at depth %d: %v",
				ErrDerivationFailed, index, depth, err)
		}
		key = child
	}

	return key, nil
}

// DerivePrivKey derives the private key that authorizes spends committing to
// the given hash.
func DerivePrivKey(root *hdkeychain.ExtendedKey,
	hash chainhash.Hash) (*btcec.PrivateKey, error) {

	if !root.IsPrivate() {
		return nil, ErrNotPrivate
	}

	child, err := DeriveChild(root, HashToPath(hash))
	if err != nil {
		return nil, err
	}

	return child.ECPrivKey()
}

// DerivePubKey derives the public key that authorizes spends committing to the
// given hash. Only public derivation is used, so root may be the neutered
// master key an oracle hands out to its clients.
func DerivePubKey(root *hdkeychain.ExtendedKey,
	hash chainhash.Hash) (*btcec.PublicKey, error) {

	child, err := DeriveChild(root, HashToPath(hash))
	if err != nil {
		return nil, err
	}

	return child.ECPubKey()
}
