// Package oracletest provides fixtures shared by the oracle package tests: a
// deterministic master key and covenant spends that the oracle can sign and
// the script engine can check.
package oracletest

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ctvemu/ctvemu/ctvhash"
	"github.com/ctvemu/ctvemu/keychain"
	"github.com/stretchr/testify/require"
)

// FundingValue is the value of the output every test spend consumes.
const FundingValue = 100_000

// NewRootKey returns a master private key generated from a seed filled with
// seedByte.
func NewRootKey(t testing.TB, seedByte byte) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	for i := range seed {
		seed[i] = seedByte
	}

	root, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return root
}

// PubRoot returns the public half of root.
func PubRoot(t testing.TB,
	root *hdkeychain.ExtendedKey) *hdkeychain.ExtendedKey {

	t.Helper()

	pub, err := root.Neuter()
	require.NoError(t, err)

	return pub
}

// NewTemplateTx returns a two input, two output transaction. The value of its
// first output is varied by tag so different tags give different commitment
// hashes.
func NewTemplateTx(tag int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash: chainhash.HashH([]byte("covenant")),
		},
		Sequence: wire.MaxTxInSequenceNum,
	})
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.HashH([]byte("fees")),
			Index: 3,
		},
		Sequence: wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(60_000+tag, []byte{0x51}))
	tx.AddTxOut(wire.NewTxOut(30_000, []byte{0x00, 0x14}))

	return tx
}

// KeyScript returns the witness script pk(key) OP_CHECKSIG for the key the
// oracle with master public key pubRoot derives for tx, along with the P2WSH
// output script paying to it.
func KeyScript(t testing.TB, pubRoot *hdkeychain.ExtendedKey,
	tx *wire.MsgTx) ([]byte, []byte) {

	t.Helper()

	hash, err := ctvhash.TemplateHash(tx, 0)
	require.NoError(t, err)

	pubKey, err := keychain.DerivePubKey(pubRoot, hash)
	require.NoError(t, err)

	witnessScript, err := txscript.NewScriptBuilder().
		AddData(pubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)

	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(chainhash.HashB(witnessScript)).
		Script()
	require.NoError(t, err)

	return witnessScript, pkScript
}

// NewSpendPacket returns a packet spending a P2WSH output locked to the key
// the oracle with master public key pubRoot derives for the packet's own
// transaction. Input 0 carries its witness script and funding output.
func NewSpendPacket(t testing.TB, pubRoot *hdkeychain.ExtendedKey,
	tag int64) *psbt.Packet {

	t.Helper()

	tx := NewTemplateTx(tag)
	witnessScript, pkScript := KeyScript(t, pubRoot, tx)

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	packet.Inputs[0].WitnessScript = witnessScript
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(FundingValue, pkScript)

	return packet
}

// ExecuteInput0 finalizes input 0 of packet with the partial signature stored
// under pubKey and runs it through the script engine.
func ExecuteInput0(packet *psbt.Packet, pubKey []byte) error {
	pInput := packet.Inputs[0]

	var sig []byte
	for _, partial := range pInput.PartialSigs {
		if string(partial.PubKey) == string(pubKey) {
			sig = partial.Signature
		}
	}

	tx := packet.UnsignedTx.Copy()
	tx.TxIn[0].Witness = wire.TxWitness{sig, pInput.WitnessScript}

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		pInput.WitnessUtxo.PkScript, pInput.WitnessUtxo.Value,
	)
	vm, err := txscript.NewEngine(
		pInput.WitnessUtxo.PkScript, tx, 0,
		txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, prevOutFetcher),
		pInput.WitnessUtxo.Value, prevOutFetcher,
	)
	if err != nil {
		return err
	}

	return vm.Execute()
}

// DerivedKey returns the compressed key the oracle with master public key
// pubRoot uses to sign the packet's transaction.
func DerivedKey(t testing.TB, pubRoot *hdkeychain.ExtendedKey,
	packet *psbt.Packet) []byte {

	t.Helper()

	hash, err := ctvhash.TemplateHash(packet.UnsignedTx, 0)
	require.NoError(t, err)

	pubKey, err := keychain.DerivePubKey(pubRoot, hash)
	require.NoError(t, err)

	return pubKey.SerializeCompressed()
}
