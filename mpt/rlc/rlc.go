// Package rlc implements random-linear-combination accumulators over byte
// sequences: rlc(b) = Σ b_i·r^i for a fixed randomness r. A trie node is
// compressed into a single field element this way before it is compared
// against a hash-table entry or a neighbouring cell.
package rlc

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Table holds the randomness r and its precomputed powers r^0..r^n.
// One table is shared by every accumulator of a proof run.
type Table struct {
	r   fr.Element
	pow []fr.Element
}

// NewTable precomputes n+1 powers of r.
func NewTable(r fr.Element, n int) *Table {
	t := &Table{r: r, pow: make([]fr.Element, n+1)}
	t.pow[0].SetOne()
	for i := 1; i <= n; i++ {
		t.pow[i].Mul(&t.pow[i-1], &r)
	}
	return t
}

// R returns the randomness.
func (t *Table) R() fr.Element { return t.r }

// Pow returns r^i.
func (t *Table) Pow(i int) fr.Element { return t.pow[i] }

// Acc is a running (rlc, mult) pair. It is a value type: every fold returns
// the next state, so a proof walk is a linear fold over the row sequence.
type Acc struct {
	RLC  fr.Element
	Mult fr.Element
}

// NewAcc returns the identity accumulator (0, 1).
func NewAcc() Acc {
	var a Acc
	a.Mult.SetOne()
	return a
}

// FoldByte folds a single byte in at the current multiplier and advances the
// multiplier by r.
func (a Acc) FoldByte(t *Table, b byte) Acc {
	var v fr.Element
	v.SetUint64(uint64(b))
	v.Mul(&v, &a.Mult)
	a.RLC.Add(&a.RLC, &v)
	a.Mult.Mul(&a.Mult, &t.r)
	return a
}

// FoldBytes folds a byte sequence in order.
func (a Acc) FoldBytes(t *Table, bs []byte) Acc {
	for _, b := range bs {
		a = a.FoldByte(t, b)
	}
	return a
}

// FoldScaled folds v·scale at the current multiplier without advancing it.
// Used for nibble contributions where the ×16/×1 weight and the multiplier
// advance are decided by the caller.
func (a Acc) FoldScaled(v, scale uint64) Acc {
	var e, s fr.Element
	e.SetUint64(v)
	s.SetUint64(scale)
	e.Mul(&e, &s).Mul(&e, &a.Mult)
	a.RLC.Add(&a.RLC, &e)
	return a
}

// Advance multiplies the multiplier by r, leaving the RLC untouched.
func (a Acc) Advance(t *Table) Acc {
	a.Mult.Mul(&a.Mult, &t.r)
	return a
}

// Bytes is the one-shot RLC of data: Σ data_i·r^i.
func Bytes(t *Table, data []byte) fr.Element {
	return NewAcc().FoldBytes(t, data).RLC
}
