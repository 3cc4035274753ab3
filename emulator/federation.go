package emulator

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrInvalidThreshold is returned when a federation is created with a
	// threshold outside of [1, number of members].
	ErrInvalidThreshold = errors.New("invalid federation threshold")

	// ErrMemberFailed wraps the error of the federation member that
	// caused an operation to abort.
	ErrMemberFailed = errors.New("federation member failed")
)

// Federation combines several emulators into a single k-of-N authorizer. A
// member may itself be a Federation.
type Federation struct {
	members   []Emulator
	threshold int
}

// A compile time check to ensure Federation implements the Emulator
// interface.
var _ Emulator = (*Federation)(nil)

// NewFederation creates a federation requiring threshold of the given members.
func NewFederation(members []Emulator, threshold int) (*Federation, error) {
	if threshold < 1 || threshold > len(members) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold,
			threshold, len(members))
	}

	return &Federation{
		members:   append([]Emulator(nil), members...),
		threshold: threshold,
	}, nil
}

// Threshold returns the number of members whose clauses must be satisfied.
func (f *Federation) Threshold() int {
	return f.threshold
}

// Size returns the number of members.
func (f *Federation) Size() int {
	return len(f.members)
}

// GetSignerFor asks every member for its clause over hash and combines them
// into a ThresholdClause. If any member fails, no clause is returned.
func (f *Federation) GetSignerFor(hash chainhash.Hash) (Clause, error) {
	clauses := make([]Clause, 0, len(f.members))
	for i, member := range f.members {
		c, err := member.GetSignerFor(hash)
		if err != nil {
			return nil, &MemberError{Index: i, Err: err}
		}
		clauses = append(clauses, c)
	}

	return &ThresholdClause{
		Threshold: f.threshold,
		Clauses:   clauses,
	}, nil
}

// Sign passes packet through every member in order, each adding its own
// partial signature. All members are asked even though only the threshold is
// needed to spend. The first failure aborts the remaining members, and the
// signatures already added are not removed, so after an error the state of
// packet is unspecified.
func (f *Federation) Sign(ctx context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	for i, member := range f.members {
		log.Debugf("Requesting signature from federation member %d/%d",
			i+1, len(f.members))

		signed, err := member.Sign(ctx, packet)
		if err != nil {
			log.Warnf("Federation member %d failed to sign: %v", i,
				err)

			return nil, &MemberError{Index: i, Err: err}
		}
		packet = signed
	}

	return packet, nil
}

// MemberError reports which federation member failed and why. It matches
// ErrMemberFailed with errors.Is and unwraps to the member's error.
type MemberError struct {
	// Index is the position of the failing member.
	Index int

	// Err is the error returned by the member.
	Err error
}

// Error returns a human readable description of the failure.
func (e *MemberError) Error() string {
	return fmt.Sprintf("%v: member %d: %v", ErrMemberFailed, e.Index,
		e.Err)
}

// Unwrap returns both ErrMemberFailed and the member's error.
func (e *MemberError) Unwrap() []error {
	return []error{ErrMemberFailed, e.Err}
}
