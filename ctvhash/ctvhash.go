// Package ctvhash computes the transaction commitment that
// OP_CHECKTEMPLATEVERIFY (BIP-119) checks a spending transaction against.
package ctvhash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrInputIndex is returned when the commitment is requested for an input the
// transaction does not have.
var ErrInputIndex = errors.New("input index out of range")

// HashFunc computes the commitment hash of a transaction at a given input.
// Oracles and clients take one of these so the commitment scheme can be
// swapped out without touching the signing path.
type HashFunc func(tx *wire.MsgTx, inputIndex uint32) (chainhash.Hash, error)

// A compile time check that TemplateHash has the expected shape.
var _ HashFunc = TemplateHash

// TemplateHash returns the BIP-119 DefaultCheckTemplateVerifyHash of tx for
// the input at inputIndex. It commits to the version, lock time, the script
// sigs (only when at least one is non-empty), the number of inputs, their
// sequences, the outputs and the input index. Previous outpoints and
// witnesses are not committed to.
func TemplateHash(tx *wire.MsgTx, inputIndex uint32) (chainhash.Hash, error) {
	if int(inputIndex) >= len(tx.TxIn) {
		return chainhash.Hash{}, fmt.Errorf("%w: %d >= %d",
			ErrInputIndex, inputIndex, len(tx.TxIn))
	}

	var b bytes.Buffer
	b.Write(binary.LittleEndian.AppendUint32(nil, uint32(tx.Version)))
	b.Write(binary.LittleEndian.AppendUint32(nil, tx.LockTime))

	if hasScriptSigs(tx) {
		scriptSigsHash, err := hashScriptSigs(tx)
		if err != nil {
			return chainhash.Hash{}, err
		}
		b.Write(scriptSigsHash[:])
	}

	b.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(tx.TxIn))))
	sequencesHash := hashSequences(tx)
	b.Write(sequencesHash[:])

	b.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(tx.TxOut))))
	outputsHash, err := hashOutputs(tx)
	if err != nil {
		return chainhash.Hash{}, err
	}
	b.Write(outputsHash[:])

	b.Write(binary.LittleEndian.AppendUint32(nil, inputIndex))

	return chainhash.HashH(b.Bytes()), nil
}

// hasScriptSigs reports whether any input carries a non-empty script sig.
func hasScriptSigs(tx *wire.MsgTx) bool {
	for _, txIn := range tx.TxIn {
		if len(txIn.SignatureScript) > 0 {
			return true
		}
	}

	return false
}

// hashScriptSigs is the single sha256 of every script sig serialized with its
// compact size length prefix.
func hashScriptSigs(tx *wire.MsgTx) (chainhash.Hash, error) {
	var b bytes.Buffer
	for _, txIn := range tx.TxIn {
		err := wire.WriteVarBytes(&b, 0, txIn.SignatureScript)
		if err != nil {
			return chainhash.Hash{}, err
		}
	}

	return chainhash.HashH(b.Bytes()), nil
}

// hashSequences is the single sha256 of every input sequence number.
func hashSequences(tx *wire.MsgTx) chainhash.Hash {
	b := make([]byte, 0, 4*len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		b = binary.LittleEndian.AppendUint32(b, txIn.Sequence)
	}

	return chainhash.HashH(b)
}

// hashOutputs is the single sha256 of every output in wire format.
func hashOutputs(tx *wire.MsgTx) (chainhash.Hash, error) {
	var b bytes.Buffer
	for _, txOut := range tx.TxOut {
		if err := wire.WriteTxOut(&b, 0, 0, txOut); err != nil {
			return chainhash.Hash{}, err
		}
	}

	return chainhash.HashH(b.Bytes()), nil
}
