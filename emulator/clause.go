package emulator

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Clause is a fragment of a spending policy. A policy compiler turns a tree
// of clauses into the witness script an output is locked to. Clauses are
// plain data.
type Clause interface {
	// String renders the clause in policy notation, e.g. pk(02ab..) or
	// thresh(2,pk(..),pk(..),pk(..)).
	String() string

	clause()
}

// KeyClause is satisfied by a signature from a single key.
type KeyClause struct {
	// PubKey is the key that must sign.
	PubKey *btcec.PublicKey
}

// String renders the clause as pk(<compressed key hex>).
func (c *KeyClause) String() string {
	if c.PubKey == nil {
		return "pk()"
	}

	return fmt.Sprintf("pk(%s)",
		hex.EncodeToString(c.PubKey.SerializeCompressed()))
}

func (c *KeyClause) clause() {}

// ThresholdClause is satisfied when at least Threshold of its sub-clauses are.
type ThresholdClause struct {
	// Threshold is the number of sub-clauses that must be satisfied.
	Threshold int

	// Clauses are the sub-clauses, in member order.
	Clauses []Clause
}

// String renders the clause as thresh(k,<sub>,...).
func (c *ThresholdClause) String() string {
	parts := make([]string, 0, len(c.Clauses)+1)
	parts = append(parts, fmt.Sprintf("%d", c.Threshold))
	for _, sub := range c.Clauses {
		parts = append(parts, sub.String())
	}

	return "thresh(" + strings.Join(parts, ",") + ")"
}

func (c *ThresholdClause) clause() {}

// TrivialClause is always satisfied. It is what an emulator that adds no
// requirement of its own hands out.
type TrivialClause struct{}

// String renders the clause as a policy that is always true.
func (c *TrivialClause) String() string {
	return "1"
}

func (c *TrivialClause) clause() {}

// Compile time checks to ensure the clauses implement the Clause interface.
var (
	_ Clause = (*KeyClause)(nil)
	_ Clause = (*ThresholdClause)(nil)
	_ Clause = (*TrivialClause)(nil)
)
