package oracleclient

import "errors"

var (
	// ErrNoRootKey signals that the client was configured without the
	// oracle's master public key.
	ErrNoRootKey = errors.New("oracle client requires the oracle's " +
		"master public key")

	// ErrNoAddress signals that the client was configured without an
	// oracle address.
	ErrNoAddress = errors.New("oracle client requires an address")

	// ErrNoInputs signals that a packet given to Sign has no input for the
	// oracle to sign.
	ErrNoInputs = errors.New("packet has no inputs")

	// ErrUnexpectedResponse signals that the oracle answered a request with
	// a message of the wrong type. The connection is dropped.
	ErrUnexpectedResponse = errors.New("unexpected response from oracle")

	// ErrMergeConflict signals that the packet returned by the oracle could
	// not be merged into the caller's packet, either because it describes a
	// different transaction or because one of its signatures disagrees
	// with one the caller already holds for the same key.
	ErrMergeConflict = errors.New("unable to merge oracle signature")

	// ErrMissingSignature signals that the oracle returned a packet without
	// a signature by the key the client derives for the transaction.
	ErrMissingSignature = errors.New("oracle did not sign with the " +
		"expected key")

	// ErrKeyNotConfirmed signals that the oracle's answer to ConfirmKey did
	// not verify against its master public key.
	ErrKeyNotConfirmed = errors.New("oracle failed to confirm its key")
)
