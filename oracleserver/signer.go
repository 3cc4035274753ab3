package oracleserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ctvemu/ctvemu/keychain"
	"github.com/ctvemu/ctvemu/lnutils"
	"github.com/ctvemu/ctvemu/oraclewire"
)

var (
	// ErrNoInputs signals that a sign request carried a transaction
	// without inputs.
	ErrNoInputs = errors.New("psbt has no inputs")

	// ErrMissingWitnessScript signals that input 0 of a sign request does
	// not carry the witness script needed to compute its sighash.
	ErrMissingWitnessScript = errors.New("input 0 is missing its " +
		"witness script")

	// ErrMissingWitnessUtxo signals that input 0 of a sign request does not
	// carry the output it spends, so the amount being signed is unknown.
	ErrMissingWitnessUtxo = errors.New("input 0 is missing its " +
		"witness utxo")

	// ErrInvalidNonce signals that a ConfirmKey request carried a nonce of
	// the wrong length.
	ErrInvalidNonce = errors.New("invalid confirm key nonce")
)

// Sign adds the oracle's signature for input 0 to packet and returns it. The
// signing key is derived from the commitment hash of the packet's unsigned
// transaction at input 0, so the oracle can only ever produce a valid
// signature for the exact transaction that hash commits to.
//
// The signature is a DER encoded ECDSA signature over the BIP-143 sighash of
// input 0, followed by SIGHASH_ALL. It is stored in the input's partial
// signatures under the compressed derived public key, replacing any previous
// signature for that key.
func (s *Server) Sign(ctx context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	if packet == nil || packet.UnsignedTx == nil ||
		len(packet.UnsignedTx.TxIn) == 0 || len(packet.Inputs) == 0 {

		return nil, ErrNoInputs
	}

	pInput := &packet.Inputs[0]
	if len(pInput.WitnessScript) == 0 {
		return nil, ErrMissingWitnessScript
	}
	if pInput.WitnessUtxo == nil {
		return nil, ErrMissingWitnessUtxo
	}

	tx := packet.UnsignedTx
	hash, err := s.cfg.TemplateHash(tx, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to compute commitment hash: %w",
			err)
	}

	privKey, err := keychain.DerivePrivKey(s.cfg.RootKey, hash)
	if err != nil {
		return nil, err
	}

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		pInput.WitnessUtxo.PkScript, pInput.WitnessUtxo.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	sig, err := txscript.RawTxInWitnessSignature(
		tx, sigHashes, 0, pInput.WitnessUtxo.Value,
		pInput.WitnessScript, txscript.SigHashAll, privKey,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to sign input 0: %w", err)
	}

	pubKey := privKey.PubKey()
	addPartialSig(pInput, &psbt.PartialSig{
		PubKey:    pubKey.SerializeCompressed(),
		Signature: sig,
	})

	log.DebugS(ctx, "Signed input 0",
		lnutils.LogHash("commitment", hash),
		lnutils.LogPubKey("key", pubKey))
	log.Tracef("Signed packet: %v", lnutils.SpewLogClosure(tx))

	return packet, nil
}

// addPartialSig stores sig in the input, replacing a previous signature by the
// same key.
func addPartialSig(pInput *psbt.PInput, sig *psbt.PartialSig) {
	for i, existing := range pInput.PartialSigs {
		if bytes.Equal(existing.PubKey, sig.PubKey) {
			pInput.PartialSigs[i] = sig
			return
		}
	}

	pInput.PartialSigs = append(pInput.PartialSigs, sig)
}

// ConfirmKey proves that the oracle is live and holds its master private key.
// A fresh challenge is drawn for every call, and the master key signs
// oraclewire.ConfirmKeyDigest(challenge, nonce). No derived key is involved.
func (s *Server) ConfirmKey(nonce []byte) (*oraclewire.KeyConfirmed, error) {
	if len(nonce) != oraclewire.NonceSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d",
			ErrInvalidNonce, len(nonce), oraclewire.NonceSize)
	}

	var entropy [oraclewire.NonceSize]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return nil, fmt.Errorf("unable to read randomness: %w", err)
	}
	challenge := chainhash.HashB(entropy[:])

	privKey, err := s.cfg.RootKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("unable to load master key: %w", err)
	}

	digest := oraclewire.ConfirmKeyDigest(challenge, nonce)
	sig := ecdsa.Sign(privKey, digest)

	return &oraclewire.KeyConfirmed{
		Signature: sig.Serialize(),
		Challenge: challenge,
	}, nil
}
