package mpt

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

// Validate checks every structural invariant of the grid: branch length
// bookkeeping, S/C divergence confinement, key-accumulator continuity, the
// 64-nibble path total, leaf and drifted-leaf key recomputation, and hash
// linkage from the roots down to the leaves. It is the explicit-grid form of
// the constraint system; a nil return means the assignment is solvable.
func (g *Grid) Validate(t *rlc.Table) error {
	if g.LeafInFirstLevel {
		if len(g.Branches) != 0 {
			return fmt.Errorf("%w: first-level leaf with branch levels", ErrBranchInvariant)
		}
		return g.validateLeaf(t)
	}
	if len(g.Branches) == 0 {
		return fmt.Errorf("%w: no branch levels", ErrBranchInvariant)
	}

	k := NewKeyAccumulator()
	for i := range g.Branches {
		blk := &g.Branches[i]
		if err := g.validateBranch(t, i, k); err != nil {
			return fmt.Errorf("level %d: %w", i, err)
		}
		if err := g.validateBranchLinkage(t, i); err != nil {
			return fmt.Errorf("level %d: %w", i, err)
		}
		k = blk.KeyAfter
	}
	return g.validateLeaf(t)
}

func eq(a, b fr.Element) bool { return a.Equal(&b) }

// validateBranch checks one level's structural and key invariants against
// the accumulator state inherited from the level above.
func (g *Grid) validateBranch(t *rlc.Table, i int, inherited KeyAccumulator) error {
	blk := &g.Branches[i]
	ctx := &blk.Ctx

	if ctx.ModifiedIndex < 0 || ctx.ModifiedIndex >= Arity {
		return fmt.Errorf("%w: modified index %d", ErrBranchInvariant, ctx.ModifiedIndex)
	}
	if ctx.DriftedIndex < 0 || ctx.DriftedIndex >= Arity {
		return fmt.Errorf("%w: drifted index %d", ErrBranchInvariant, ctx.DriftedIndex)
	}
	if ctx.Placeholder == PlaceholderNone && ctx.DriftedIndex != ctx.ModifiedIndex {
		return fmt.Errorf("%w: drifted index without placeholder", ErrBranchInvariant)
	}
	if ctx.Placeholder != PlaceholderNone {
		if i != len(g.Branches)-1 {
			return fmt.Errorf("%w: placeholder above the last level", ErrBranchInvariant)
		}
		if ctx.DriftedIndex == ctx.ModifiedIndex {
			return fmt.Errorf("%w: drifted slot equals modified slot", ErrBranchInvariant)
		}
		// A branch born from splitting a leaf holds exactly the inserted
		// and the displaced child.
		occupied := 0
		for j := range blk.Children {
			if !blk.Children[j].S.IsNil() {
				occupied++
			}
		}
		if occupied != 2 {
			return fmt.Errorf("%w: placeholder branch with %d occupied slots", ErrBranchInvariant, occupied)
		}
	}
	if ctx.IsExtension != (blk.Ext != nil) {
		return fmt.Errorf("%w: extension flag disagrees with rows", ErrBranchInvariant)
	}

	// Key continuity: the recorded snapshots must be the fold of the
	// inherited state through the extension segment and the branch nibble.
	if blk.KeyBefore != inherited {
		return fmt.Errorf("%w: inherited key state", ErrKeyContinuity)
	}
	k := blk.KeyBefore
	if blk.Ext != nil {
		scratch := *blk.Ext
		var err error
		if k, err = FoldExtension(t, k, &scratch); err != nil {
			return err
		}
		if !eq(scratch.MultDiff, blk.Ext.MultDiff) {
			return fmt.Errorf("%w: extension mult_diff", ErrKeyContinuity)
		}
		if len(blk.Ext.SecondNibbles) != len(blk.Ext.KeySegment)-1 {
			return fmt.Errorf("%w: extension second-nibble helpers", ErrKeyContinuity)
		}
		for j, b := range blk.Ext.KeySegment[1:] {
			if blk.Ext.SecondNibbles[j] != b&0x0f {
				return fmt.Errorf("%w: extension second-nibble helper %d", ErrKeyContinuity, j)
			}
		}
	}
	if blk.KeyAfterExt != k {
		return fmt.Errorf("%w: key state after extension", ErrKeyContinuity)
	}
	if ctx.C16 != !k.OddPosition() {
		return fmt.Errorf("%w: branch parity flag", ErrKeyContinuity)
	}
	if after := k.FoldNibble(t, byte(ctx.ModifiedIndex)); blk.KeyAfter != after {
		return fmt.Errorf("%w: key state after branch nibble", ErrKeyContinuity)
	}
	if ctx.NibblesCount != blk.KeyAfter.Nibbles {
		return fmt.Errorf("%w: running count %d", ErrNibbleCount, ctx.NibblesCount)
	}

	for _, s := range []Side{SideS, SideC} {
		if err := blk.checkLength(s); err != nil {
			return err
		}
	}

	// S/C divergence is confined to the modified slot.
	for j := range blk.Children {
		if j == ctx.ModifiedIndex {
			continue
		}
		if blk.Children[j].S != blk.Children[j].C {
			return fmt.Errorf("%w: S/C divergence at child %d", ErrBranchInvariant, j)
		}
	}

	// Tracked child hashes.
	m, d := ctx.ModifiedIndex, ctx.DriftedIndex
	wantS := childRLC(t, &blk.Children[m].S)
	wantC := childRLC(t, &blk.Children[m].C)
	switch ctx.Placeholder {
	case PlaceholderS:
		wantS = childRLC(t, &blk.Children[d].C)
	case PlaceholderC:
		wantC = childRLC(t, &blk.Children[d].S)
	}
	if !eq(ctx.ModNodeHashS, wantS) || !eq(ctx.ModNodeHashC, wantC) {
		return fmt.Errorf("%w: tracked child hash", ErrBranchInvariant)
	}
	return nil
}

// checkLength replays the RLP length countdown of one side: the declared
// list payload, minus each child's encoded length, must leave exactly the
// one-byte nil value slot.
func (b *BranchBlock) checkLength(s Side) error {
	raw := b.Raw(s)
	header := b.HeaderS
	if s == SideC {
		header = b.HeaderC
	}
	if len(raw) == 0 || raw[0] != header[0] {
		return fmt.Errorf("%w: %s header byte", ErrBranchInvariant, s)
	}
	var declared, headerLen int
	switch header[0] {
	case rlpListLong2:
		declared = int(header[1])<<8 | int(header[2])
		headerLen = 3
	case rlpListLong1:
		declared = int(header[1])
		headerLen = 2
	default:
		if header[0] <= rlpListShort {
			return fmt.Errorf("%w: %s list header %d", ErrBranchInvariant, s, header[0])
		}
		declared = int(header[0]) - rlpListShort
		headerLen = 1
	}
	if len(raw) != headerLen+declared {
		return fmt.Errorf("%w: %s declared length %d for %d bytes", ErrBranchInvariant, s, declared, len(raw))
	}
	for j := 1; j < headerLen; j++ {
		if raw[j] != header[j] {
			return fmt.Errorf("%w: %s header byte %d", ErrBranchInvariant, s, j)
		}
	}
	rem := declared
	for j := range b.Children {
		rem -= b.Children[j].side(s).encodedLen()
	}
	if rem != 1 {
		return fmt.Errorf("%w: %s length countdown remainder %d", ErrBranchInvariant, s, rem)
	}
	return nil
}

// outerRaw is the node a parent points at for this level: the extension
// node when present, the branch otherwise.
func (b *BranchBlock) outerRaw(s Side) []byte {
	if b.Ext != nil {
		if s == SideS {
			return b.Ext.RawS
		}
		return b.Ext.RawC
	}
	return b.Raw(s)
}

// linkNode checks that a child slot commits to a node: by hash when the
// node is at least a hash wide, by embedding otherwise.
func linkNode(slot *ChildSlot, node []byte) error {
	if len(node) < HashWidth {
		n := node
		if slot.RLP2 != 0 || len(n) > HashWidth {
			return fmt.Errorf("%w: embedded node shape", ErrHashLinkage)
		}
		for i := range slot.Bytes {
			var want byte
			if i < len(n) {
				want = n[i]
			}
			if slot.Bytes[i] != want {
				return fmt.Errorf("%w: embedded node bytes", ErrHashLinkage)
			}
		}
		return nil
	}
	if slot.RLP2 != rlpHashMarker {
		return fmt.Errorf("%w: hashed child marker", ErrHashLinkage)
	}
	if Keccak(node) != slot.Bytes {
		return fmt.Errorf("%w: child hash", ErrHashLinkage)
	}
	return nil
}

// validateBranchLinkage ties level i to the root or to its parent level,
// per side, and ties an extension wrapper to its branch.
func (g *Grid) validateBranchLinkage(t *rlc.Table, i int) error {
	blk := &g.Branches[i]
	for _, s := range []Side{SideS, SideC} {
		if (blk.Ctx.Placeholder == PlaceholderS && s == SideS) ||
			(blk.Ctx.Placeholder == PlaceholderC && s == SideC) {
			continue // synthetic side, nothing above commits to it
		}
		outer := blk.outerRaw(s)
		if i == 0 {
			root := g.RootS
			if s == SideC {
				root = g.RootC
			}
			if Keccak(outer) != root {
				return fmt.Errorf("%w: %s root", ErrHashLinkage, s)
			}
		} else {
			parent := &g.Branches[i-1]
			slot := parent.Children[parent.Ctx.ModifiedIndex].side(s)
			if err := linkNode(slot, outer); err != nil {
				return fmt.Errorf("%s side: %w", s, err)
			}
		}
		if blk.Ext != nil {
			items, err := splitItems(blk.outerRaw(s))
			if err != nil {
				return err
			}
			child, err := itemContent(items[1])
			if err != nil {
				return err
			}
			branch := blk.Raw(s)
			if len(branch) < HashWidth {
				if string(child) != string(branch) {
					return fmt.Errorf("%w: %s embedded extension child", ErrHashLinkage, s)
				}
			} else if h := Keccak(branch); string(child) != string(h[:]) {
				return fmt.Errorf("%w: %s extension child hash", ErrHashLinkage, s)
			}
		}
	}
	return nil
}

// leafContexts rebuilds the key contexts the leaf rows are evaluated in.
func (g *Grid) leafContexts() (ctxS, ctxC LeafContext, nibS, nibC int) {
	normal := LeafContext{Start: rlc.NewAcc()}
	nib := 0
	if n := len(g.Branches); n > 0 {
		last := &g.Branches[n-1]
		normal = LeafContext{Start: last.KeyAfter.Acc, C16: last.Ctx.C16}
		nib = last.KeyAfter.Nibbles
	}
	ctxS, ctxC, nibS, nibC = normal, normal, nib, nib

	ph := g.placeholder()
	if ph == PlaceholderNone {
		return
	}
	prev := LeafContext{Start: rlc.NewAcc()}
	prevNib := 0
	if n := len(g.Branches); n > 1 {
		above := &g.Branches[n-2]
		prev = LeafContext{Start: above.KeyAfter.Acc, C16: above.Ctx.C16}
		prevNib = above.KeyAfter.Nibbles
	}
	if ph == PlaceholderS {
		ctxS, nibS = prev, prevNib
	} else {
		ctxC, nibC = prev, prevNib
	}
	return
}

func (g *Grid) placeholder() PlaceholderSide {
	if len(g.Branches) == 0 {
		return PlaceholderNone
	}
	return g.Branches[len(g.Branches)-1].Ctx.Placeholder
}

// validateLeaf recomputes every assigned leaf cell, checks the 64-nibble
// path invariant on both sides, and ties the leaf (and drifted leaf) hashes
// back into their parents.
func (g *Grid) validateLeaf(t *rlc.Table) error {
	lb := &g.Leaf
	ctxS, ctxC, nibS, nibC := g.leafContexts()
	ph := g.placeholder()

	keyS, nS, err := LeafKeyRLC(t, &lb.KeyS, ctxS)
	if err != nil {
		return fmt.Errorf("S leaf: %w", err)
	}
	keyC, nC, err := LeafKeyRLC(t, &lb.KeyC, ctxC)
	if err != nil {
		return fmt.Errorf("C leaf: %w", err)
	}
	if !eq(keyS, lb.KeyRLCS) || !eq(keyC, lb.KeyRLCC) {
		return fmt.Errorf("%w: assigned leaf key cells", ErrKeyContinuity)
	}
	if nibS+nS != NibblesPerKey {
		return fmt.Errorf("%w: S path consumed %d nibbles", ErrNibbleCount, nibS+nS)
	}
	if nibC+nC != NibblesPerKey {
		return fmt.Errorf("%w: C path consumed %d nibbles", ErrNibbleCount, nibC+nC)
	}
	if ph == PlaceholderNone && !eq(keyS, keyC) {
		return fmt.Errorf("%w: S/C leaf keys differ without placeholder", ErrKeyContinuity)
	}

	accS, err := leafRowState(t, &lb.KeyS)
	if err != nil {
		return err
	}
	accC, err := leafRowState(t, &lb.KeyC)
	if err != nil {
		return err
	}
	if !eq(accS.RLC, lb.RowRLCS) || !eq(accS.Mult, lb.RowMultS) ||
		!eq(accC.RLC, lb.RowRLCC) || !eq(accC.Mult, lb.RowMultC) {
		return fmt.Errorf("%w: assigned leaf row cells", ErrKeyContinuity)
	}

	// The rows must re-serialize to the committed node bytes.
	if !eq(valueRowState(t, accS, &lb.ValueS), rlc.Bytes(t, lb.RawS)) {
		return fmt.Errorf("%w: S leaf rows disagree with node bytes", ErrHashLinkage)
	}
	if !eq(valueRowState(t, accC, &lb.ValueC), rlc.Bytes(t, lb.RawC)) {
		return fmt.Errorf("%w: C leaf rows disagree with node bytes", ErrHashLinkage)
	}

	if err := g.linkLeaf(SideS, lb.RawS, ph == PlaceholderS); err != nil {
		return err
	}
	if err := g.linkLeaf(SideC, lb.RawC, ph == PlaceholderC); err != nil {
		return err
	}

	if ph != PlaceholderNone {
		return g.validateDrifted(t)
	}
	if lb.RawDrifted != nil {
		return fmt.Errorf("%w: drifted leaf without placeholder", ErrBranchInvariant)
	}
	return nil
}

// linkLeaf ties one leaf into its parent: the last branch normally, the
// branch above the placeholder for a displaced leaf, the root when nothing
// is above.
func (g *Grid) linkLeaf(s Side, raw []byte, displaced bool) error {
	parentIdx := len(g.Branches) - 1
	if displaced {
		parentIdx--
	}
	if parentIdx < 0 {
		root := g.RootS
		if s == SideC {
			root = g.RootC
		}
		if Keccak(raw) != root {
			return fmt.Errorf("%w: %s leaf root", ErrHashLinkage, s)
		}
		return nil
	}
	parent := &g.Branches[parentIdx]
	slot := parent.Children[parent.Ctx.ModifiedIndex].side(s)
	if err := linkNode(slot, raw); err != nil {
		return fmt.Errorf("%s leaf: %w", s, err)
	}
	return nil
}

// validateDrifted checks the displaced-leaf row: its key must equal the
// displaced side's full key when refolded through the placeholder level at
// the drifted slot, and its hash must be the tracked child of the synthetic
// side.
func (g *Grid) validateDrifted(t *rlc.Table) error {
	lb := &g.Leaf
	last := &g.Branches[len(g.Branches)-1]
	ph := last.Ctx.Placeholder

	enc, err := lb.Drifted.Encoding()
	if err != nil {
		return fmt.Errorf("drifted leaf: %w", err)
	}
	if enc == EncodingOneNibble {
		return fmt.Errorf("%w: one-nibble drifted leaf", ErrMalformedFlags)
	}

	// Shadow cells carry the key state above the placeholder.
	wantRLC, wantMult := fr.Element{}, fr.Element{}
	wantMult.SetOne()
	if n := len(g.Branches); n > 1 {
		above := &g.Branches[n-2]
		wantRLC, wantMult = above.KeyAfter.Acc.RLC, above.KeyAfter.Acc.Mult
	}
	if !eq(lb.PrevKeyRLC, wantRLC) || !eq(lb.PrevKeyMult, wantMult) {
		return fmt.Errorf("%w: shadow key cells", ErrKeyContinuity)
	}

	start := last.KeyAfterExt.FoldNibble(t, byte(last.Ctx.DriftedIndex))
	ctx := LeafContext{Start: start.Acc, C16: last.Ctx.C16}
	keyD, nD, err := LeafKeyRLC(t, &lb.Drifted, ctx)
	if err != nil {
		return fmt.Errorf("drifted leaf: %w", err)
	}
	if start.Nibbles+nD != NibblesPerKey {
		return fmt.Errorf("%w: drifted path consumed %d nibbles", ErrNibbleCount, start.Nibbles+nD)
	}
	displacedKey := lb.KeyRLCS
	if ph == PlaceholderC {
		displacedKey = lb.KeyRLCC
	}
	if !eq(keyD, displacedKey) {
		return fmt.Errorf("%w: drifted key differs from displaced leaf key", ErrKeyContinuity)
	}

	accD, err := leafRowState(t, &lb.Drifted)
	if err != nil {
		return err
	}
	if !eq(accD.RLC, lb.RowRLCDrifted) || !eq(accD.Mult, lb.RowMultDrifted) {
		return fmt.Errorf("%w: assigned drifted row cells", ErrKeyContinuity)
	}
	valD := lb.ValueS
	if ph == PlaceholderC {
		valD = lb.ValueC
	}
	if !eq(valueRowState(t, accD, &valD), rlc.Bytes(t, lb.RawDrifted)) {
		return fmt.Errorf("%w: drifted rows disagree with node bytes", ErrHashLinkage)
	}

	// The drifted leaf hash is the tracked child of the synthetic side.
	want := last.Ctx.ModNodeHashS
	if ph == PlaceholderC {
		want = last.Ctx.ModNodeHashC
	}
	var got fr.Element
	if len(lb.RawDrifted) < HashWidth {
		got = rlc.Bytes(t, lb.RawDrifted)
	} else {
		h := Keccak(lb.RawDrifted)
		got = rlc.Bytes(t, h[:])
	}
	if !eq(got, want) {
		return fmt.Errorf("%w: drifted leaf hash", ErrHashLinkage)
	}
	return nil
}
