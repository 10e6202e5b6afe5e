package gadget

import (
	"errors"

	"github.com/consensys/gnark/frontend"

	"github.com/zkmpt/mpt-circuit/mpt"
	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

// Config fixes the circuit shape: the number of branch levels and the
// number of hash-table rows. A witness with fewer levels does not fit; the
// caller compiles one circuit per supported depth.
type Config struct {
	Levels    int
	TableRows int
}

// Circuit proves one storage modification: the S and C proofs share the row
// grid, the key accumulator is threaded root to leaf, and every node is
// bound to its parent through the hash table.
type Circuit struct {
	Randomness frontend.Variable                `gnark:",public"`
	RootS      [mpt.HashWidth]frontend.Variable `gnark:",public"`
	RootC      [mpt.HashWidth]frontend.Variable `gnark:",public"`

	HashPreimages []frontend.Variable
	HashDigests   []frontend.Variable

	Branches []BranchWires

	LeafS, LeafC   LeafWires
	ValueS, ValueC ValueWires
	Drifted        LeafWires

	LeafHashIndexS   frontend.Variable
	LeafHashIndexC   frontend.Variable
	DriftedHashIndex frontend.Variable

	cfg Config
}

// New allocates a circuit of the given shape.
func New(cfg Config) *Circuit {
	return &Circuit{
		HashPreimages: make([]frontend.Variable, cfg.TableRows),
		HashDigests:   make([]frontend.Variable, cfg.TableRows),
		Branches:      make([]BranchWires, cfg.Levels),
		cfg:           cfg,
	}
}

func (c *Circuit) Define(api frontend.API) error {
	n := len(c.Branches)
	if n == 0 {
		return errors.New("gadget: circuit needs at least one branch level")
	}

	g := rlc.NewGadget(api, c.Randomness, maxPower)
	table := NewHashTable(api, c.HashPreimages, c.HashDigests)
	e := newEngine(api, g, table)

	for _, b := range c.RootS {
		e.rc.Check(b, 8)
	}
	for _, b := range c.RootC {
		e.rc.Check(b, 8)
	}

	states := make([]levelState, n+1)
	states[0] = levelState{
		keyRLC:     frontend.Variable(0),
		keyMult:    frontend.Variable(1),
		parityEven: frontend.Variable(1),
		nibbles:    frontend.Variable(0),
		slotS:      g.Combine(c.RootS[:]),
		slotC:      g.Combine(c.RootC[:]),
	}
	for i := 0; i < n; i++ {
		states[i+1] = e.defineBranch(&c.Branches[i], states[i], i == n-1)
	}

	last := &c.Branches[n-1]
	lastSt, aboveSt := states[n], states[n-1]
	phS, phC := last.IsPlaceholderS, last.IsPlaceholderC
	phAny := api.Add(phS, phC)

	// Leaf contexts: a displaced leaf keeps the key state of the level above
	// the placeholder, everything else continues from the last branch.
	aboveC16 := api.Sub(1, aboveSt.parityEven)
	ctxS := leafCtx{
		rlc:     api.Select(phS, aboveSt.keyRLC, lastSt.keyRLC),
		mult:    api.Select(phS, aboveSt.keyMult, lastSt.keyMult),
		c16:     api.Select(phS, aboveC16, last.C16),
		nibbles: api.Select(phS, aboveSt.nibbles, lastSt.nibbles),
		slot:    api.Select(phS, aboveSt.slotS, lastSt.slotS),
	}
	ctxC := leafCtx{
		rlc:     api.Select(phC, aboveSt.keyRLC, lastSt.keyRLC),
		mult:    api.Select(phC, aboveSt.keyMult, lastSt.keyMult),
		c16:     api.Select(phC, aboveC16, last.C16),
		nibbles: api.Select(phC, aboveSt.nibbles, lastSt.nibbles),
		slot:    api.Select(phC, aboveSt.slotC, lastSt.slotC),
	}

	keyS, nS := e.leafKey(&c.LeafS, ctxS.rlc, ctxS.mult, ctxS.c16)
	keyC, nC := e.leafKey(&c.LeafC, ctxC.rlc, ctxC.mult, ctxC.c16)
	api.AssertIsEqual(api.Add(ctxS.nibbles, nS), mpt.NibblesPerKey)
	api.AssertIsEqual(api.Add(ctxC.nibbles, nC), mpt.NibblesPerKey)
	// Without a placeholder both sides prove the same slot.
	e.assertZeroIf(api.Sub(1, phAny), api.Sub(keyS, keyC))

	nodeS := e.leafNodeRLC(&c.LeafS, &c.ValueS)
	nodeC := e.leafNodeRLC(&c.LeafC, &c.ValueC)
	preS, digS := table.Lookup(c.LeafHashIndexS)
	api.AssertIsEqual(preS, nodeS)
	api.AssertIsEqual(digS, ctxS.slot)
	preC, digC := table.Lookup(c.LeafHashIndexC)
	api.AssertIsEqual(preC, nodeC)
	api.AssertIsEqual(digC, ctxC.slot)

	e.defineDrifted(c, last, keyS, keyC, phAny)
	return nil
}

type leafCtx struct {
	rlc, mult, c16, nibbles, slot frontend.Variable
}

// defineDrifted constrains the displaced-leaf row. All of its checks are
// gated on a placeholder being present; a proof without one carries a copy
// of the S leaf in the drifted wires to satisfy the row-shape constraints.
func (e *engine) defineDrifted(c *Circuit, last *BranchWires, keyS, keyC, phAny frontend.Variable) {
	api := e.api

	drIdx := frontend.Variable(0)
	for j := 0; j < mpt.Arity; j++ {
		drIdx = api.Add(drIdx, api.Mul(j, last.IsDrifted[j]))
	}

	// The drifted leaf re-enters the path at the drifted slot of the
	// placeholder level: extension state plus the drifted nibble.
	scale := api.Select(last.C16, frontend.Variable(16), frontend.Variable(1))
	startRLC := api.Add(last.KeyExtRLC, api.Mul(drIdx, scale, last.KeyExtMult))
	startMult := api.Select(last.C16, last.KeyExtMult, api.Mul(last.KeyExtMult, e.g.Pow(1)))

	keyD, nD := e.leafKey(&c.Drifted, startRLC, startMult, last.C16)
	cases := e.leafCases(&c.Drifted)
	e.assertZeroIf(phAny, cases.one)
	e.assertZeroIf(phAny, api.Sub(api.Add(last.NibblesCount, nD), mpt.NibblesPerKey))

	displaced := api.Select(last.IsPlaceholderC, keyC, keyS)
	e.assertZeroIf(phAny, api.Sub(keyD, displaced))

	// The drifted node reuses the displaced side's value item.
	var vd ValueWires
	for i := range vd.RLP {
		vd.RLP[i] = api.Select(last.IsPlaceholderC, c.ValueC.RLP[i], c.ValueS.RLP[i])
	}
	for i := range vd.Bytes {
		vd.Bytes[i] = api.Select(last.IsPlaceholderC, c.ValueC.Bytes[i], c.ValueS.Bytes[i])
	}
	nodeD := e.leafNodeRLC(&c.Drifted, &vd)

	preD, digD := e.table.Lookup(c.DriftedHashIndex)
	e.assertZeroIf(phAny, api.Sub(preD, nodeD))
	target := api.Select(last.IsPlaceholderC, last.ModNodeHashC, last.ModNodeHashS)
	e.assertZeroIf(phAny, api.Sub(digD, target))
}
