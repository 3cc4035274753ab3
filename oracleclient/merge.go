package oracleclient

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// mergePartialSigs copies the partial signatures of input 0 of src into input
// 0 of dst. The packets must describe the same transaction, src must carry a
// signature by expectedKey, and no signature in src may disagree with one dst
// already holds for the same key. Everything is checked before dst is
// modified, so on error dst is unchanged.
func mergePartialSigs(dst, src *psbt.Packet, expectedKey []byte) error {
	if src == nil || src.UnsignedTx == nil {
		return fmt.Errorf("%w: oracle returned an empty packet",
			ErrMergeConflict)
	}

	dstTxid, srcTxid := dst.UnsignedTx.TxHash(), src.UnsignedTx.TxHash()
	if dstTxid != srcTxid {
		return fmt.Errorf("%w: oracle returned transaction %v, "+
			"expected %v", ErrMergeConflict, srcTxid, dstTxid)
	}
	if len(src.Inputs) != len(dst.Inputs) {
		return fmt.Errorf("%w: oracle returned %d inputs, expected %d",
			ErrMergeConflict, len(src.Inputs), len(dst.Inputs))
	}

	srcSigs := src.Inputs[0].PartialSigs
	dstInput := &dst.Inputs[0]

	var (
		additions []*psbt.PartialSig
		signed    bool
	)
	for _, sig := range srcSigs {
		if bytes.Equal(sig.PubKey, expectedKey) {
			signed = true
		}

		existing := findPartialSig(dstInput.PartialSigs, sig.PubKey)
		switch {
		case existing == nil:
			additions = append(additions, sig)

		case !bytes.Equal(existing.Signature, sig.Signature):
			return fmt.Errorf("%w: conflicting signature for key "+
				"%x", ErrMergeConflict, sig.PubKey)
		}
	}
	if !signed {
		return fmt.Errorf("%w: %x", ErrMissingSignature, expectedKey)
	}

	dstInput.PartialSigs = append(dstInput.PartialSigs, additions...)

	return nil
}

// findPartialSig returns the signature by pubKey, or nil.
func findPartialSig(sigs []*psbt.PartialSig,
	pubKey []byte) *psbt.PartialSig {

	for _, sig := range sigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return sig
		}
	}

	return nil
}
