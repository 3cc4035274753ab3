package oraclewire

import (
	"encoding/json"
	"fmt"
	"io"
)

// MessageType is the tag carried by every message on the wire, used to pick
// the concrete type the payload is decoded into.
type MessageType string

// The currently defined message types within this current version of the
// oracle protocol. The first two are requests, the rest are responses.
const (
	// MsgSignPSBT asks the oracle to sign input 0 of a PSBT.
	MsgSignPSBT MessageType = "sign_psbt"

	// MsgConfirmKey asks the oracle to prove it controls its master key.
	MsgConfirmKey MessageType = "confirm_key"

	// MsgPSBT returns a PSBT carrying the oracle's partial signature.
	MsgPSBT MessageType = "psbt"

	// MsgKeyConfirmed answers a ConfirmKey request.
	MsgKeyConfirmed MessageType = "key_confirmed"

	// MsgError reports that a request could not be served.
	MsgError MessageType = "error"
)

// String returns a human readable description of the message type.
func (m MessageType) String() string {
	switch m {
	case MsgSignPSBT:
		return "SignPSBT"
	case MsgConfirmKey:
		return "ConfirmKey"
	case MsgPSBT:
		return "PSBT"
	case MsgKeyConfirmed:
		return "KeyConfirmed"
	case MsgError:
		return "Error"
	default:
		return "<unknown>"
	}
}

// UnknownMessage is an implementation of the error interface that allows the
// creation of an error in response to an unknown message.
type UnknownMessage struct {
	messageType MessageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %q",
		string(u.messageType))
}

// Message is an interface that defines an oracle wire protocol message.
type Message interface {
	// MsgType returns a MessageType that uniquely identifies the message
	// to be encoded.
	MsgType() MessageType
}

// envelope is the JSON object each frame carries. The payload is decoded
// lazily once the type is known.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgSignPSBT:
		msg = &SignPSBT{}
	case MsgConfirmKey:
		msg = &ConfirmKey{}
	case MsgPSBT:
		msg = &PSBT{}
	case MsgKeyConfirmed:
		msg = &KeyConfirmed{}
	case MsgError:
		msg = &Error{}
	default:
		return nil, &UnknownMessage{msgType}
	}

	return msg, nil
}

// EncodeMessage serializes msg into the JSON payload of a frame.
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("unable to encode %v: %w",
			msg.MsgType(), err)
	}

	return json.Marshal(&envelope{
		Type:    msg.MsgType(),
		Payload: payload,
	})
}

// DecodeMessage parses the JSON payload of a frame into a concrete Message.
func DecodeMessage(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("malformed message envelope: %w", err)
	}

	msg, err := makeEmptyMessage(env.Type)
	if err != nil {
		return nil, err
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%v message has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("malformed %v payload: %w", env.Type,
			err)
	}

	return msg, nil
}

// WriteMessage writes an oracle Message to w including the necessary framing.
// The number of bytes written is returned.
func WriteMessage(w io.Writer, msg Message) (int, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return 0, err
	}

	return WriteFrame(w, payload)
}

// ReadMessage reads, validates, and parses the next oracle Message from r.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	return DecodeMessage(payload)
}

// MessageSummary returns a short, human readable description of msg for use
// in log lines.
func MessageSummary(msg Message) string {
	switch msg := msg.(type) {
	case *SignPSBT:
		return psbtSummary(msg.PSBT)

	case *PSBT:
		return psbtSummary(msg.PSBT)

	case *ConfirmKey:
		return fmt.Sprintf("nonce=%x", []byte(msg.Nonce))

	case *KeyConfirmed:
		return fmt.Sprintf("challenge=%x", []byte(msg.Challenge))

	case *Error:
		return fmt.Sprintf("code=%v", msg.Code)
	}

	return ""
}

// psbtSummary describes the transaction carried by a packet.
func psbtSummary(p Packet) string {
	if p.Packet == nil || p.UnsignedTx == nil {
		return "empty"
	}

	return fmt.Sprintf("txid=%v, inputs=%d", p.UnsignedTx.TxHash(),
		len(p.Inputs))
}
