package gadget

import (
	"github.com/consensys/gnark/frontend"

	"github.com/zkmpt/mpt-circuit/mpt"
)

// maxPower bounds the exponents served by the power lookup table: the
// largest variable exponent is the node offset of a leaf value item
// (2 + header + 33 key bytes).
const maxPower = 40

// LeafWires is a leaf-key (or drifted-leaf) row: the structure flags, the
// two RLP columns, the payload and continuation bytes, plus the witness
// indicators marking the packed-nibble bytes of the key field.
type LeafWires struct {
	Flag1, Flag2 frontend.Variable
	RLP          [2]frontend.Variable
	Bytes        [mpt.HashWidth]frontend.Variable
	Cont         [2]frontend.Variable

	// KeyTailInd[j] is 1 while tail byte j still belongs to the key field
	// (the bytes after the hex prefix). Monotone, and its sum is pinned to
	// the declared key length.
	KeyTailInd [mpt.HashWidth]frontend.Variable

	// NodeExp is the byte offset at which the value item starts.
	NodeExp frontend.Variable
}

// ValueWires is a leaf value row.
type ValueWires struct {
	RLP   [2]frontend.Variable
	Bytes [mpt.HashWidth]frontend.Variable
}

// leafCases derives the four boolean case selectors from the row flags.
type leafCases struct {
	long, short, last, one frontend.Variable
	shortOrLong            frontend.Variable
}

func (e *engine) leafCases(w *LeafWires) leafCases {
	api := e.api
	api.AssertIsBoolean(w.Flag1)
	api.AssertIsBoolean(w.Flag2)
	notF1, notF2 := api.Sub(1, w.Flag1), api.Sub(1, w.Flag2)
	c := leafCases{
		long:  api.Mul(w.Flag1, notF2),
		short: api.Mul(notF1, w.Flag2),
		last:  api.Mul(w.Flag1, w.Flag2),
		one:   api.Mul(notF1, notF2),
	}
	c.shortOrLong = api.Add(c.short, c.long)
	return c
}

// leafKey constrains the four-case key fold of one leaf row evaluated in a
// context (start accumulator, parity) and returns the key RLC and the
// number of nibbles the row consumes.
func (e *engine) leafKey(w *LeafWires, startRLC, startMult, c16 frontend.Variable) (keyRLC, nibbles frontend.Variable) {
	api := e.api
	c := e.leafCases(w)

	for _, b := range w.RLP {
		e.rc.Check(b, 8)
	}
	for _, b := range w.Bytes {
		e.rc.Check(b, 8)
	}
	for _, b := range w.Cont {
		e.rc.Check(b, 8)
	}

	// A long row starts with the one-length-byte list header.
	e.assertZeroIf(c.long, api.Sub(w.RLP[0], 248))
	// Only a long key field may spill into the second continuation byte.
	e.assertZeroIf(api.Sub(1, c.long), w.Cont[1])

	// The hex prefix byte per case.
	prefix := api.Add(
		api.Mul(c.short, w.Bytes[0]),
		api.Mul(c.long, w.Bytes[1]),
		api.Mul(api.Add(c.last, c.one), w.RLP[1]),
	)
	c1 := api.Sub(1, c16)
	// Terminal parity: zero remaining nibbles only in an even context, one
	// remaining nibble only in an odd one.
	e.assertZeroIf(c.last, c16)
	e.assertZeroIf(c.one, c1)
	// Even context: the prefix is the bare 32 marker.
	e.assertZeroIf(api.Mul(c.shortOrLong, c1), api.Sub(prefix, 32))
	// Odd context: the prefix packs the first nibble as 48+n.
	firstNibble := api.Mul(c16, api.Sub(prefix, 48))
	e.rc.Check(firstNibble, 4)

	// Key field length in bytes, prefix included.
	length := api.Sub(api.Select(c.long, w.Bytes[0], w.RLP[1]), 128)

	// Indicator column: boolean, monotone, summing to length-1 packed-nibble
	// bytes for the short and long cases, empty otherwise.
	sum := frontend.Variable(0)
	for j := range w.KeyTailInd {
		api.AssertIsBoolean(w.KeyTailInd[j])
		if j > 0 {
			e.assertZeroIf(w.KeyTailInd[j], api.Sub(1, w.KeyTailInd[j-1]))
		}
		sum = api.Add(sum, w.KeyTailInd[j])
	}
	api.AssertIsEqual(sum, api.Mul(c.shortOrLong, api.Sub(length, 1)))

	// Fold. Under c16 the prefix nibble shares the inherited multiplier and
	// the multiplier advances before the packed bytes; under c1 the field is
	// byte-aligned from the start.
	r := e.g.Pow(1)
	acc := api.Add(startRLC, api.Mul(api.Add(c.shortOrLong, c.one), firstNibble, startMult))
	mult := api.Select(api.Mul(c16, c.shortOrLong), api.Mul(startMult, r), startMult)
	for j := 0; j < mpt.HashWidth; j++ {
		b := e.leafTailByte(w, c, j)
		acc = api.Add(acc, api.Mul(b, w.KeyTailInd[j], mult))
		mult = api.Select(w.KeyTailInd[j], api.Mul(mult, r), mult)
	}

	nibbles = api.Add(
		api.Mul(c.shortOrLong, api.Add(api.Mul(2, api.Sub(length, 1)), c16)),
		c.one,
	)
	return acc, nibbles
}

// leafTailByte selects tail byte j: the bytes after the hex prefix, whose
// position differs between the short and long layouts.
func (e *engine) leafTailByte(w *LeafWires, c leafCases, j int) frontend.Variable {
	var short, long frontend.Variable
	if j < mpt.HashWidth-1 {
		short = w.Bytes[j+1]
	} else {
		short = w.Cont[0]
	}
	switch {
	case j < mpt.HashWidth-2:
		long = w.Bytes[j+2]
	case j == mpt.HashWidth-2:
		long = w.Cont[0]
	default:
		long = w.Cont[1]
	}
	return e.api.Select(c.long, long, short)
}

// leafNodeRLC recomposes the full node RLC of a leaf from its key and value
// rows. Bytes past the key field are zero in an honest assignment, so the
// key portion folds densely; the value item attaches at the witness offset
// NodeExp, pinned to the declared key length.
func (e *engine) leafNodeRLC(w *LeafWires, v *ValueWires) frontend.Variable {
	api := e.api
	c := e.leafCases(w)
	length := api.Sub(api.Select(c.long, w.Bytes[0], w.RLP[1]), 128)
	api.AssertIsEqual(w.NodeExp,
		api.Add(2, api.Mul(c.shortOrLong, api.Add(length, c.long))))

	for _, b := range v.RLP {
		e.rc.Check(b, 8)
	}
	for _, b := range v.Bytes {
		e.rc.Check(b, 8)
	}

	r := e.g.Pow(1)
	keyPart := api.Add(w.RLP[0], api.Mul(w.RLP[1], r))
	for j, b := range w.Bytes {
		keyPart = api.Add(keyPart, api.Mul(b, e.g.Pow(2+j)))
	}
	keyPart = api.Add(keyPart,
		api.Mul(w.Cont[0], e.g.Pow(2+mpt.HashWidth)),
		api.Mul(w.Cont[1], e.g.Pow(3+mpt.HashWidth)))

	valPart := api.Add(v.RLP[0], api.Mul(v.RLP[1], r))
	for j, b := range v.Bytes {
		valPart = api.Add(valPart, api.Mul(b, e.g.Pow(2+j)))
	}
	return api.Add(keyPart, api.Mul(valPart, e.pow(w.NodeExp)))
}
