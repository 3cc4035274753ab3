// Package emulator defines the interface through which covenant commitments
// are turned into signing requirements, and the combinators built on top of
// it.
package emulator

import (
	"context"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Emulator stands in for OP_CHECKTEMPLATEVERIFY. An output that should only be
// spendable by the transaction with a given commitment hash is locked to the
// clause GetSignerFor returns, and Sign later produces the signatures that
// satisfy that clause for exactly that transaction.
type Emulator interface {
	// GetSignerFor returns the clause that authorizes spends committing
	// to hash. It must not require network access.
	GetSignerFor(hash chainhash.Hash) (Clause, error)

	// Sign adds this emulator's partial signatures to input 0 of packet
	// and returns the updated packet. It may block on I/O.
	Sign(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error)
}

// NullEmulator requires nothing and signs nothing. It is useful where a
// contract template expects an emulator but no covenant is wanted.
type NullEmulator struct{}

// A compile time check to ensure NullEmulator implements the Emulator
// interface.
var _ Emulator = (*NullEmulator)(nil)

// GetSignerFor always returns a TrivialClause.
func (n *NullEmulator) GetSignerFor(_ chainhash.Hash) (Clause, error) {
	return &TrivialClause{}, nil
}

// Sign returns packet unchanged.
func (n *NullEmulator) Sign(_ context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	return packet, nil
}
