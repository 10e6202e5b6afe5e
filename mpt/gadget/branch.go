package gadget

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/lookup/logderivlookup"
	"github.com/consensys/gnark/std/rangecheck"

	"github.com/zkmpt/mpt-circuit/mpt"
	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

// extSegWidth bounds the hex-prefix extension segment: the prefix byte plus
// at most 31 packed nibble pairs.
const extSegWidth = 32

// ChildWires is one side of a branch child slot: a 32-byte hash, or the nil
// marker (Bytes[0]=128, rest zero) when IsNil is set. Embedded sub-hash
// nodes are rejected by the witness builder; the circuit does not encode
// them.
type ChildWires struct {
	IsNil frontend.Variable
	Bytes [mpt.HashWidth]frontend.Variable
}

// BranchWires carries one trie level: the RLP headers and children of both
// sides, the modified/drifted slot selectors, the placeholder and extension
// flags, and the assigned key-chain cells the gate re-derives.
type BranchWires struct {
	HeaderS, HeaderC   [3]frontend.Variable
	IsLong1S, IsLong2S frontend.Variable
	IsLong1C, IsLong2C frontend.Variable
	ChildrenS          [mpt.Arity]ChildWires
	ChildrenC          [mpt.Arity]ChildWires

	IsModified [mpt.Arity]frontend.Variable
	IsDrifted  [mpt.Arity]frontend.Variable

	IsPlaceholderS frontend.Variable
	IsPlaceholderC frontend.Variable

	// Extension wrapper, decomposed into byte wires: the wrapper's list
	// header, the hex-prefix key segment item, and the branch hash the
	// wrapper carries per side. The segment folds into the key chain
	// in-circuit and the wrapper RLC rebuilt from these wires is what the
	// parent slot lookup binds.
	IsExtension  frontend.Variable
	ExtHeader    [2]frontend.Variable
	ExtIsLong    frontend.Variable
	ExtSegHeader frontend.Variable
	ExtSegMulti  frontend.Variable
	ExtSegBytes  [extSegWidth]frontend.Variable
	ExtSegInd    [extSegWidth - 1]frontend.Variable
	// ExtSecondNibbles[j] is the low nibble of packed segment byte j, the
	// helper splitting a byte the fold enters mid-nibble.
	ExtSecondNibbles [extSegWidth - 1]frontend.Variable
	ExtOddNibbles    frontend.Variable
	ExtNibbles       frontend.Variable

	ExtChildS, ExtChildC         [mpt.HashWidth]frontend.Variable
	ExtHashIndexS, ExtHashIndexC frontend.Variable

	// Assigned key-chain cells.
	C16          frontend.Variable
	NibblesCount frontend.Variable
	KeyExtRLC    frontend.Variable
	KeyExtMult   frontend.Variable
	KeyRLC       frontend.Variable
	KeyMult      frontend.Variable

	ModNodeHashS frontend.Variable
	ModNodeHashC frontend.Variable

	HashIndexS, HashIndexC frontend.Variable
}

// levelState is the root-to-leaf running state between levels: the key
// accumulator, the parity of the next nibble position, the running nibble
// count, and the child-hash slot each side's next node must hash into (the
// root RLC at the top).
type levelState struct {
	keyRLC, keyMult frontend.Variable
	parityEven      frontend.Variable
	nibbles         frontend.Variable
	slotS, slotC    frontend.Variable
}

// engine bundles the shared gadget state of one Define run.
type engine struct {
	api    frontend.API
	g      *rlc.Gadget
	rc     frontend.Rangechecker
	table  *HashTable
	powTab logderivlookup.Table
}

func newEngine(api frontend.API, g *rlc.Gadget, table *HashTable) *engine {
	powTab := logderivlookup.New(api)
	for i := 0; i <= maxPower; i++ {
		powTab.Insert(g.Pow(i))
	}
	return &engine{
		api:    api,
		g:      g,
		rc:     rangecheck.New(api),
		table:  table,
		powTab: powTab,
	}
}

// pow looks r^exp up for a variable exponent.
func (e *engine) pow(exp frontend.Variable) frontend.Variable {
	return e.powTab.Lookup(exp)[0]
}

func (e *engine) assertZero(v frontend.Variable) {
	e.api.AssertIsEqual(v, 0)
}

// assertZeroIf enforces v == 0 only when cond (boolean) is set.
func (e *engine) assertZeroIf(cond, v frontend.Variable) {
	e.assertZero(e.api.Mul(cond, v))
}

// branchSide folds one side's node RLC, replays the RLP length countdown,
// and returns the per-child hash RLCs.
func (e *engine) branchSide(header [3]frontend.Variable, isLong1, isLong2 frontend.Variable, children *[mpt.Arity]ChildWires) (nodeRLC frontend.Variable, childRLC [mpt.Arity]frontend.Variable) {
	api := e.api
	api.AssertIsBoolean(isLong1)
	api.AssertIsBoolean(isLong2)
	e.assertZero(api.Mul(isLong1, isLong2))
	isShortHdr := api.Sub(1, isLong1, isLong2)

	for _, h := range header {
		e.rc.Check(h, 8)
	}
	e.assertZeroIf(isLong1, api.Sub(header[0], 248))
	e.assertZeroIf(isLong2, api.Sub(header[0], 249))
	e.assertZeroIf(isShortHdr, header[1])
	e.assertZeroIf(api.Sub(1, isLong2), header[2])

	declared := api.Add(
		api.Mul(isShortHdr, api.Sub(header[0], 192)),
		api.Mul(isLong1, header[1]),
		api.Mul(isLong2, api.Add(api.Mul(header[1], 256), header[2])),
	)

	r := e.g.Pow(1)
	nodeRLC = api.Add(
		header[0],
		api.Mul(api.Sub(1, isShortHdr), header[1], r),
		api.Mul(isLong2, header[2], e.g.Pow(2)),
	)
	mult := api.Select(isLong2, e.g.Pow(3), api.Select(isLong1, e.g.Pow(2), r))

	total := frontend.Variable(1) // the trailing nil value slot
	for j := range children {
		c := &children[j]
		api.AssertIsBoolean(c.IsNil)
		for i, b := range c.Bytes {
			e.rc.Check(b, 8)
			if i == 0 {
				e.assertZeroIf(c.IsNil, api.Sub(b, 128))
			} else {
				e.assertZeroIf(c.IsNil, b)
			}
		}
		childRLC[j] = e.g.Combine(c.Bytes[:])

		// Hashed child folds as 160 then its 32 bytes; a nil child as the
		// single 128 byte. The nil shape above makes Combine degenerate to
		// 128, so one expression covers both.
		hashed := api.Add(160, api.Mul(childRLC[j], r))
		contrib := api.Select(c.IsNil, frontend.Variable(128), hashed)
		nodeRLC = api.Add(nodeRLC, api.Mul(contrib, mult))
		mult = api.Mul(mult, api.Select(c.IsNil, r, e.g.Pow(1+mpt.HashWidth)))
		total = api.Add(total, api.Select(c.IsNil, frontend.Variable(1), frontend.Variable(1+mpt.HashWidth)))
	}
	nodeRLC = api.Add(nodeRLC, api.Mul(128, mult))
	api.AssertIsEqual(declared, total)
	return nodeRLC, childRLC
}

// defineBranch constrains one level and returns the state entering the next.
func (e *engine) defineBranch(w *BranchWires, st levelState, isLast bool) levelState {
	api := e.api

	// Slot selectors: boolean, exactly one each.
	sumMod, sumDr := frontend.Variable(0), frontend.Variable(0)
	modIdx, drIdx := frontend.Variable(0), frontend.Variable(0)
	for j := 0; j < mpt.Arity; j++ {
		api.AssertIsBoolean(w.IsModified[j])
		api.AssertIsBoolean(w.IsDrifted[j])
		sumMod = api.Add(sumMod, w.IsModified[j])
		sumDr = api.Add(sumDr, w.IsDrifted[j])
		modIdx = api.Add(modIdx, api.Mul(j, w.IsModified[j]))
		drIdx = api.Add(drIdx, api.Mul(j, w.IsDrifted[j]))
	}
	api.AssertIsEqual(sumMod, 1)
	api.AssertIsEqual(sumDr, 1)

	api.AssertIsBoolean(w.IsPlaceholderS)
	api.AssertIsBoolean(w.IsPlaceholderC)
	e.assertZero(api.Mul(w.IsPlaceholderS, w.IsPlaceholderC))
	if !isLast {
		e.assertZero(w.IsPlaceholderS)
		e.assertZero(w.IsPlaceholderC)
	}
	phAny := api.Add(w.IsPlaceholderS, w.IsPlaceholderC)
	// Without a placeholder the drifted selector shadows the modified one.
	e.assertZeroIf(api.Sub(1, phAny), api.Sub(drIdx, modIdx))

	// Extension key chain, folded from the decomposed wrapper wires. A
	// non-extension level pins the segment wires to zero, so the fold
	// degenerates to the inherited state and the same asserts cover both.
	r := e.g.Pow(1)
	api.AssertIsBoolean(w.IsExtension)
	api.AssertIsBoolean(w.ExtOddNibbles)
	api.AssertIsBoolean(w.ExtIsLong)
	api.AssertIsBoolean(w.ExtSegMulti)
	notExt := api.Sub(1, w.IsExtension)
	e.assertZeroIf(notExt, w.ExtOddNibbles)
	e.assertZeroIf(notExt, w.ExtIsLong)
	e.assertZeroIf(notExt, w.ExtSegMulti)
	e.assertZeroIf(notExt, w.ExtHeader[0])
	e.assertZeroIf(notExt, w.ExtHeader[1])
	e.assertZeroIf(notExt, w.ExtSegHeader)

	for _, b := range w.ExtHeader {
		e.rc.Check(b, 8)
	}
	e.rc.Check(w.ExtSegHeader, 8)
	for _, b := range w.ExtSegBytes {
		e.rc.Check(b, 8)
	}

	sumInd := frontend.Variable(0)
	for j := range w.ExtSegInd {
		api.AssertIsBoolean(w.ExtSegInd[j])
		if j > 0 {
			e.assertZeroIf(w.ExtSegInd[j], api.Sub(1, w.ExtSegInd[j-1]))
		}
		sumInd = api.Add(sumInd, w.ExtSegInd[j])
	}
	e.assertZeroIf(notExt, sumInd)
	// Packed bytes exist exactly when the segment item carries a string
	// header; a headerless item is the lone prefix byte, which must then
	// hold the segment's single nibble.
	api.AssertIsEqual(w.ExtSegInd[0], w.ExtSegMulti)
	e.assertZeroIf(api.Sub(w.IsExtension, w.ExtSegMulti), api.Sub(1, w.ExtOddNibbles))
	e.assertZeroIf(w.ExtSegMulti, api.Sub(w.ExtSegHeader, api.Add(129, sumInd)))
	api.AssertIsEqual(w.ExtNibbles, api.Add(w.ExtOddNibbles, api.Mul(2, sumInd)))

	// Prefix byte: 0 for an even segment, 16+n for an odd one.
	e.assertZeroIf(api.Sub(1, w.ExtOddNibbles), w.ExtSegBytes[0])
	firstNib := api.Mul(w.ExtOddNibbles, api.Sub(w.ExtSegBytes[0], 16))
	e.rc.Check(firstNib, 4)

	// Fold the segment nibbles. The prefix nibble lands at the inherited
	// parity; every packed byte then starts at the flipped-or-not parity
	// pPack, constant across the segment body.
	scaleFirst := api.Select(st.parityEven, frontend.Variable(16), frontend.Variable(1))
	keyAcc := api.Add(st.keyRLC, api.Mul(firstNib, scaleFirst, st.keyMult))
	km := api.Select(api.Mul(w.ExtOddNibbles, api.Sub(1, st.parityEven)),
		api.Mul(st.keyMult, r), st.keyMult)
	pPack := api.Add(st.parityEven, w.ExtOddNibbles,
		api.Mul(-2, st.parityEven, w.ExtOddNibbles))
	for j := range w.ExtSegInd {
		b := w.ExtSegBytes[j+1]
		lo := w.ExtSecondNibbles[j]
		e.rc.Check(lo, 4)
		hi := api.Div(api.Sub(b, lo), 16)
		e.rc.Check(hi, 4)
		// Even start: the byte folds whole. Odd start: the high nibble
		// closes the current position (advancing), the low one opens the
		// next at x16.
		contrib := api.Select(pPack, b, api.Add(hi, api.Mul(16, r, lo)))
		keyAcc = api.Add(keyAcc, api.Mul(w.ExtSegInd[j], contrib, km))
		km = api.Select(w.ExtSegInd[j], api.Mul(km, r), km)
	}
	api.AssertIsEqual(w.KeyExtRLC, keyAcc)
	api.AssertIsEqual(w.KeyExtMult, km)

	// Parity after the segment; the branch nibble lands there.
	api.AssertIsEqual(w.C16, pPack)

	scale := api.Select(w.C16, frontend.Variable(16), frontend.Variable(1))
	api.AssertIsEqual(w.KeyRLC, api.Add(w.KeyExtRLC, api.Mul(modIdx, scale, w.KeyExtMult)))
	api.AssertIsEqual(w.KeyMult, api.Select(w.C16, w.KeyExtMult, api.Mul(w.KeyExtMult, e.g.Pow(1))))
	api.AssertIsEqual(w.NibblesCount, api.Add(st.nibbles, 1, w.ExtNibbles))

	nodeS, childS := e.branchSide(w.HeaderS, w.IsLong1S, w.IsLong2S, &w.ChildrenS)
	nodeC, childC := e.branchSide(w.HeaderC, w.IsLong1C, w.IsLong2C, &w.ChildrenC)

	// S/C divergence confined to the modified slot; a placeholder level
	// copies the real side wholesale.
	for j := 0; j < mpt.Arity; j++ {
		free := api.Sub(1, w.IsModified[j])
		gate := api.Add(free, phAny, api.Mul(-1, free, phAny)) // free OR placeholder
		e.assertZeroIf(gate, api.Sub(w.ChildrenS[j].IsNil, w.ChildrenC[j].IsNil))
		for i := range w.ChildrenS[j].Bytes {
			e.assertZeroIf(gate, api.Sub(w.ChildrenS[j].Bytes[i], w.ChildrenC[j].Bytes[i]))
		}
	}

	// A placeholder level is a leaf split into a branch: exactly two
	// occupied slots.
	occupied := frontend.Variable(0)
	for j := 0; j < mpt.Arity; j++ {
		occupied = api.Add(occupied, api.Sub(1, w.ChildrenS[j].IsNil))
	}
	e.assertZeroIf(phAny, api.Sub(occupied, 2))

	// Tracked child hashes: the modified child, or the drifted child on a
	// synthetic side.
	modS, modC := frontend.Variable(0), frontend.Variable(0)
	slotS, slotC := frontend.Variable(0), frontend.Variable(0)
	for j := 0; j < mpt.Arity; j++ {
		selS := api.Select(w.IsPlaceholderS, w.IsDrifted[j], w.IsModified[j])
		selC := api.Select(w.IsPlaceholderC, w.IsDrifted[j], w.IsModified[j])
		modS = api.Add(modS, api.Mul(selS, childS[j]))
		modC = api.Add(modC, api.Mul(selC, childC[j]))
		slotS = api.Add(slotS, api.Mul(w.IsModified[j], childS[j]))
		slotC = api.Add(slotC, api.Mul(w.IsModified[j], childC[j]))
	}
	api.AssertIsEqual(w.ModNodeHashS, modS)
	api.AssertIsEqual(w.ModNodeHashC, modC)

	// Wrapper bytes: list header, segment item, hashed branch child. The
	// declared payload ties the header to the segment shape.
	payload := api.Add(w.ExtSegMulti, 1, sumInd, 1+mpt.HashWidth)
	e.assertZeroIf(w.ExtIsLong, api.Sub(w.ExtHeader[0], 248))
	e.assertZeroIf(api.Sub(1, w.ExtIsLong), w.ExtHeader[1])
	e.assertZeroIf(api.Sub(w.IsExtension, w.ExtIsLong),
		api.Sub(w.ExtHeader[0], api.Add(192, payload)))
	e.assertZeroIf(w.ExtIsLong, api.Sub(w.ExtHeader[1], payload))

	wrapAcc := api.Add(w.ExtHeader[0], api.Mul(w.ExtIsLong, w.ExtHeader[1], r))
	wm := api.Select(w.ExtIsLong, e.g.Pow(2), r)
	wrapAcc = api.Add(wrapAcc, api.Mul(w.ExtSegMulti, w.ExtSegHeader, wm))
	wm = api.Select(w.ExtSegMulti, api.Mul(wm, r), wm)
	wrapAcc = api.Add(wrapAcc, api.Mul(w.ExtSegBytes[0], wm))
	wm = api.Mul(wm, r)
	for j := range w.ExtSegInd {
		wrapAcc = api.Add(wrapAcc, api.Mul(w.ExtSegInd[j], w.ExtSegBytes[j+1], wm))
		wm = api.Select(w.ExtSegInd[j], api.Mul(wm, r), wm)
	}
	for _, b := range w.ExtChildS {
		e.rc.Check(b, 8)
	}
	for _, b := range w.ExtChildC {
		e.rc.Check(b, 8)
	}
	extDigS := e.g.Combine(w.ExtChildS[:])
	extDigC := e.g.Combine(w.ExtChildC[:])
	wrapS := api.Add(wrapAcc, api.Mul(wm, api.Add(160, api.Mul(r, extDigS))))
	wrapC := api.Add(wrapAcc, api.Mul(wm, api.Add(160, api.Mul(r, extDigC))))

	// Hash linkage: the outer node (extension wrapper when present) hashes
	// into the inherited slot, and an extension binds its branch, through a
	// second table row, to the child hash its wrapper carries. Both are
	// suppressed on a synthetic side.
	e.linkSide(w.IsPlaceholderS, w.IsExtension, st.slotS, nodeS,
		wrapS, extDigS, w.HashIndexS, w.ExtHashIndexS)
	e.linkSide(w.IsPlaceholderC, w.IsExtension, st.slotC, nodeC,
		wrapC, extDigC, w.HashIndexC, w.ExtHashIndexC)

	return levelState{
		keyRLC:     w.KeyRLC,
		keyMult:    w.KeyMult,
		parityEven: api.Sub(1, w.C16),
		nibbles:    w.NibblesCount,
		slotS:      slotS,
		slotC:      slotC,
	}
}

// linkSide ties one side of a level into the hash table: the outer node
// must be the preimage of the inherited slot, and under an extension the
// branch must be the preimage of the wrapper's recorded child digest.
func (e *engine) linkSide(ph, isExt, slot, nodeRLC, extNodeRLC, extChildRLC, hashIdx, extHashIdx frontend.Variable) {
	api := e.api
	live := api.Sub(1, ph)

	outer := api.Select(isExt, extNodeRLC, nodeRLC)
	pre, dig := e.table.Lookup(hashIdx)
	e.assertZeroIf(live, api.Sub(pre, outer))
	e.assertZeroIf(live, api.Sub(dig, slot))

	pre2, dig2 := e.table.Lookup(extHashIdx)
	liveExt := api.Mul(live, isExt)
	e.assertZeroIf(liveExt, api.Sub(pre2, nodeRLC))
	e.assertZeroIf(liveExt, api.Sub(dig2, extChildRLC))
}
