package oraclewire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// ErrEmptyPacket is returned when a packet field is encoded or decoded
// without a PSBT in it.
var ErrEmptyPacket = errors.New("missing psbt")

// Packet wraps a PSBT so that it travels as a base64 string inside the JSON
// payload.
type Packet struct {
	*psbt.Packet
}

// MarshalJSON encodes the packet as a base64 JSON string.
func (p Packet) MarshalJSON() ([]byte, error) {
	if p.Packet == nil {
		return nil, ErrEmptyPacket
	}

	encoded, err := p.Packet.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("unable to serialize psbt: %w", err)
	}

	return json.Marshal(encoded)
}

// UnmarshalJSON decodes a base64 JSON string into a PSBT.
func (p *Packet) UnmarshalJSON(b []byte) error {
	var encoded string
	if err := json.Unmarshal(b, &encoded); err != nil {
		return err
	}
	if encoded == "" {
		return ErrEmptyPacket
	}

	packet, err := psbt.NewFromRawBytes(strings.NewReader(encoded), true)
	if err != nil {
		return fmt.Errorf("unable to parse psbt: %w", err)
	}
	p.Packet = packet

	return nil
}

// SignPSBT is sent by a client to request the oracle's signature for input 0
// of the enclosed PSBT. Input 0 must carry its witness script and the output
// it spends.
type SignPSBT struct {
	// PSBT is the transaction to be signed.
	PSBT Packet `json:"psbt"`
}

// A compile time check to ensure SignPSBT implements the Message interface.
var _ Message = (*SignPSBT)(nil)

// MsgType returns the string tag uniquely identifying this message type
// on the wire.
//
// This is part of the oraclewire.Message interface.
func (m *SignPSBT) MsgType() MessageType {
	return MsgSignPSBT
}

// PSBT is the oracle's reply to SignPSBT, it carries the request's PSBT with
// the oracle's partial signature added to input 0.
type PSBT struct {
	// PSBT is the signed transaction.
	PSBT Packet `json:"psbt"`
}

// A compile time check to ensure PSBT implements the Message interface.
var _ Message = (*PSBT)(nil)

// MsgType returns the string tag uniquely identifying this message type
// on the wire.
//
// This is part of the oraclewire.Message interface.
func (m *PSBT) MsgType() MessageType {
	return MsgPSBT
}
