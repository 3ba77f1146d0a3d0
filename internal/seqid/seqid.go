// Package seqid implements sequenceId comparison shared by the stream
// reorder buffer and the sync engine's monotonicity check: numeric
// comparison (arbitrary precision) when both ids parse as base-10
// integers, lexicographic comparison otherwise.
package seqid

import (
	"math/big"
	"strings"
)

// Compare returns a negative number if a < b, zero if a == b, and a
// positive number if a > b.
func Compare(a, b string) int {
	ai, aOK := new(big.Int).SetString(a, 10)
	bi, bOK := new(big.Int).SetString(b, 10)
	if aOK && bOK {
		return ai.Cmp(bi)
	}
	return strings.Compare(a, b)
}

// LessThanOrEqual reports whether a <= b under Compare's ordering.
func LessThanOrEqual(a, b string) bool { return Compare(a, b) <= 0 }
