package gadget

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/lookup/logderivlookup"
)

// HashTable is the in-circuit hash commitment: row i binds a node, as the
// RLC of its bytes, to its digest, as the RLC of the 32 digest bytes. The
// columns are witness wires; a keccak circuit (or an external commitment)
// vouches that every row is a genuine keccak pair, and this package only
// consumes rows by index.
type HashTable struct {
	pre logderivlookup.Table
	dig logderivlookup.Table
}

// NewHashTable builds the two lookup columns.
func NewHashTable(api frontend.API, preimages, digests []frontend.Variable) *HashTable {
	pre := logderivlookup.New(api)
	dig := logderivlookup.New(api)
	for i := range preimages {
		pre.Insert(preimages[i])
		dig.Insert(digests[i])
	}
	return &HashTable{pre: pre, dig: dig}
}

// Lookup returns the (preimage RLC, digest RLC) pair at idx.
func (t *HashTable) Lookup(idx frontend.Variable) (frontend.Variable, frontend.Variable) {
	return t.pre.Lookup(idx)[0], t.dig.Lookup(idx)[0]
}
