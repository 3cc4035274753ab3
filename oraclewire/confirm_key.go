package oraclewire

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NonceSize is the length in bytes of the nonce a client sends with
// ConfirmKey, and of the challenge an oracle answers with.
const NonceSize = 32

// HexBytes is a byte slice that is encoded as a hex string in JSON.
type HexBytes []byte

// MarshalText encodes the bytes as lower case hex.
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText decodes a hex string.
func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*h = b

	return nil
}

// ConfirmKey asks the oracle to prove that it is live and holds the private
// half of its advertised master key, without signing anything that could be
// mistaken for a spend.
type ConfirmKey struct {
	// EphemeralKey is a compressed public key chosen by the client for
	// this exchange.
	EphemeralKey HexBytes `json:"ephemeral_key"`

	// Nonce is fresh client randomness mixed into the signed message so
	// that responses cannot be replayed.
	Nonce HexBytes `json:"nonce"`
}

// A compile time check to ensure ConfirmKey implements the Message interface.
var _ Message = (*ConfirmKey)(nil)

// MsgType returns the string tag uniquely identifying this message type
// on the wire.
//
// This is part of the oraclewire.Message interface.
func (m *ConfirmKey) MsgType() MessageType {
	return MsgConfirmKey
}

// KeyConfirmed is the oracle's reply to ConfirmKey.
type KeyConfirmed struct {
	// Signature is a DER encoded ECDSA signature by the oracle's master
	// key over ConfirmKeyDigest(Challenge, Nonce).
	Signature HexBytes `json:"signature"`

	// Challenge is the hash of fresh oracle randomness.
	Challenge HexBytes `json:"challenge"`
}

// A compile time check to ensure KeyConfirmed implements the Message
// interface.
var _ Message = (*KeyConfirmed)(nil)

// MsgType returns the string tag uniquely identifying this message type
// on the wire.
//
// This is part of the oraclewire.Message interface.
func (m *KeyConfirmed) MsgType() MessageType {
	return MsgKeyConfirmed
}

// ConfirmKeyDigest is the message an oracle signs to answer ConfirmKey:
// sha256(challenge || nonce).
func ConfirmKeyDigest(challenge, nonce []byte) []byte {
	msg := make([]byte, 0, len(challenge)+len(nonce))
	msg = append(msg, challenge...)
	msg = append(msg, nonce...)

	return chainhash.HashB(msg)
}
