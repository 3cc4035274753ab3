package oraclewire

import "fmt"

// ErrorCode classifies the failure reported by an Error message.
type ErrorCode uint16

const (
	// CodeSignFailed is returned when the oracle could not sign the
	// request, for instance because input 0 lacks the data needed to
	// compute its sighash.
	CodeSignFailed ErrorCode = 40

	// CodeBadRequest is returned when the oracle received a message it
	// does not serve, such as a response type.
	CodeBadRequest ErrorCode = 41

	// CodeInternal is returned when the oracle hit an unexpected failure.
	CodeInternal ErrorCode = 50
)

// String returns a human readable name for the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeSignFailed:
		return "CodeSignFailed"
	case CodeBadRequest:
		return "CodeBadRequest"
	case CodeInternal:
		return "CodeInternal"
	default:
		return fmt.Sprintf("<unknown code %d>", uint16(c))
	}
}

// Error is sent by the oracle in place of a regular response when a request
// could not be served. The connection remains usable afterwards. Error also
// implements the error interface so clients can return it directly.
type Error struct {
	// Code classifies the failure.
	Code ErrorCode `json:"code"`

	// Message is a human readable description of the failure.
	Message string `json:"message"`
}

// A compile time check to ensure Error implements the Message interface.
var _ Message = (*Error)(nil)

// MsgType returns the string tag uniquely identifying this message type
// on the wire.
//
// This is part of the oraclewire.Message interface.
func (m *Error) MsgType() MessageType {
	return MsgError
}

// Error returns the oracle's description of the failure.
//
// This is part of the error interface.
func (m *Error) Error() string {
	return fmt.Sprintf("oracle error (%v): %s", m.Code, m.Message)
}
