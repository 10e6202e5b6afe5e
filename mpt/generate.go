package mpt

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	gethrlp "github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"

	"github.com/zkmpt/mpt-circuit/logger"
	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

// ProofPair is the input of the witness generator: the storage key path and
// the two RLP node lists (root to leaf) proving the slot before (S) and
// after (C) the modification. DriftedNode may carry the re-keyed neighbour
// leaf for insert/delete proofs; when nil it is synthesized from the
// displaced leaf.
type ProofPair struct {
	Key          [HashWidth]byte
	RootS, RootC [HashWidth]byte
	SNodes       [][]byte
	CNodes       [][]byte
	DriftedNode  []byte
}

func Keccak(b []byte) [HashWidth]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out [HashWidth]byte
	h.Sum(out[:0])
	return out
}

// pathNibble returns nibble i of the key path, high nibble first.
func pathNibble(key [HashWidth]byte, i int) byte {
	b := key[i/2]
	if i%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

// splitItems decomposes an RLP list node into the full encodings of its
// items (header included, so embedded nodes keep their own list header).
func splitItems(node []byte) ([][]byte, error) {
	content, rest, err := gethrlp.SplitList(node)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRLPPrefix, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after node", ErrRLPPrefix)
	}
	var items [][]byte
	for len(content) > 0 {
		_, _, next, err := gethrlp.Split(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRLPPrefix, err)
		}
		items = append(items, content[:len(content)-len(next)])
		content = next
	}
	return items, nil
}

// itemContent strips the string header of an item encoding.
func itemContent(item []byte) ([]byte, error) {
	k, content, _, err := gethrlp.Split(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRLPPrefix, err)
	}
	if k == gethrlp.List {
		return nil, fmt.Errorf("%w: expected string item", ErrRLPPrefix)
	}
	return content, nil
}

// nodeLevel pairs a branch node with its optional extension wrapper.
type nodeLevel struct {
	ext    []byte
	branch []byte
}

// groupLevels walks a proof node list and groups extension nodes with the
// branch they point to. The last node must be a leaf.
func groupLevels(nodes [][]byte) ([]nodeLevel, []byte, error) {
	var levels []nodeLevel
	for i := 0; i < len(nodes); i++ {
		items, err := splitItems(nodes[i])
		if err != nil {
			return nil, nil, err
		}
		switch len(items) {
		case Arity + 1:
			levels = append(levels, nodeLevel{branch: nodes[i]})
		case 2:
			seg, err := itemContent(items[0])
			if err != nil {
				return nil, nil, err
			}
			if len(seg) > 0 && seg[0] >= evenLeafPrefix {
				// Terminal prefix: a leaf, which must close the proof.
				if i != len(nodes)-1 {
					return nil, nil, fmt.Errorf("%w: leaf before end of proof", ErrRLPPrefix)
				}
				return levels, nodes[i], nil
			}
			if i+1 >= len(nodes) {
				return nil, nil, fmt.Errorf("%w: extension without child node", ErrRLPPrefix)
			}
			branchItems, err := splitItems(nodes[i+1])
			if err != nil {
				return nil, nil, err
			}
			if len(branchItems) != Arity+1 {
				return nil, nil, fmt.Errorf("%w: extension child is not a branch", ErrRLPPrefix)
			}
			levels = append(levels, nodeLevel{ext: nodes[i], branch: nodes[i+1]})
			i++
		default:
			return nil, nil, fmt.Errorf("%w: node with %d items", ErrRLPPrefix, len(items))
		}
	}
	return nil, nil, fmt.Errorf("%w: proof does not end in a leaf", ErrRLPPrefix)
}

// childSlot converts one branch item encoding into its row form.
func childSlot(item []byte) (ChildSlot, error) {
	var c ChildSlot
	switch {
	case len(item) == 1 && item[0] == rlpNil:
		c.Bytes[0] = rlpNil
	case item[0] == rlpHashMarker:
		c.RLP2 = rlpHashMarker
		copy(c.Bytes[:], item[1:])
	case item[0] > rlpListShort && len(item) < HashWidth:
		// Embedded short node, stored in place of a hash.
		copy(c.Bytes[:], item)
	default:
		return c, fmt.Errorf("%w: branch child header %d", ErrRLPPrefix, item[0])
	}
	return c, nil
}

// childRLC is the hash-or-node RLC tracked for a child: the RLC of the hash
// bytes for a hashed child, of the embedded encoding otherwise.
func childRLC(t *rlc.Table, c *ChildSlot) fr.Element {
	if c.RLP2 == rlpHashMarker {
		return rlc.Bytes(t, c.Bytes[:])
	}
	if c.Bytes[0] > rlpListShort {
		n := 1 + int(c.Bytes[0]) - rlpListShort
		return rlc.Bytes(t, c.Bytes[:n])
	}
	return rlc.Bytes(t, c.Bytes[:1])
}

func branchHeader(raw []byte) [3]byte {
	var h [3]byte
	h[0] = raw[0]
	switch raw[0] {
	case rlpListLong2:
		h[1], h[2] = raw[1], raw[2]
	case rlpListLong1:
		h[1] = raw[1]
	}
	return h
}

// terminalKeyNibbles decodes the hex-prefix key field of a leaf node into
// its nibble sequence.
func terminalKeyNibbles(field []byte) ([]byte, error) {
	if len(field) == 0 {
		return nil, fmt.Errorf("%w: empty leaf key field", ErrRLPPrefix)
	}
	var nibbles []byte
	switch {
	case field[0] == evenLeafPrefix:
	case field[0] >= oddLeafPrefix && field[0] < oddLeafPrefix+16:
		nibbles = append(nibbles, field[0]-oddLeafPrefix)
	default:
		return nil, fmt.Errorf("%w: leaf key prefix %d", ErrRLPPrefix, field[0])
	}
	for _, b := range field[1:] {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	return nibbles, nil
}

// packTerminal hex-prefix encodes a terminal nibble sequence.
func packTerminal(nibbles []byte) []byte {
	var out []byte
	if len(nibbles)%2 == 1 {
		out = append(out, oddLeafPrefix+nibbles[0])
		nibbles = nibbles[1:]
	} else {
		out = append(out, evenLeafPrefix)
	}
	for i := 0; i < len(nibbles); i += 2 {
		out = append(out, nibbles[i]<<4|nibbles[i+1])
	}
	return out
}

// buildLeafRows splits a leaf node into its key and value rows.
func buildLeafRows(node []byte) (LeafRow, ValueRow, error) {
	var lr LeafRow
	var vr ValueRow
	items, err := splitItems(node)
	if err != nil {
		return lr, vr, err
	}
	if len(items) != 2 {
		return lr, vr, fmt.Errorf("%w: leaf with %d items", ErrRLPPrefix, len(items))
	}
	keyItem, valItem := items[0], items[1]

	var enc LeafEncoding
	switch {
	case node[0] == rlpListLong1:
		enc = EncodingLong
		lr.RLP[0], lr.RLP[1] = node[0], node[1]
		lr.Bytes[0] = keyItem[0]
		n := copy(lr.Bytes[1:], keyItem[1:])
		if n < len(keyItem)-1 {
			lr.Cont[0] = keyItem[1+n]
			if len(keyItem) > 2+n {
				lr.Cont[1] = keyItem[2+n]
			}
		}
	case node[0] > rlpListShort && node[0] < rlpListLong1:
		lr.RLP[0], lr.RLP[1] = node[0], node[1]
		switch {
		case len(keyItem) == 1 && keyItem[0] == evenLeafPrefix:
			enc = EncodingLastLevel
		case len(keyItem) == 1 && keyItem[0] >= oddLeafPrefix && keyItem[0] < oddLeafPrefix+16:
			enc = EncodingOneNibble
		default:
			enc = EncodingShort
			n := copy(lr.Bytes[:], keyItem[1:])
			if n < len(keyItem)-1 {
				lr.Cont[0] = keyItem[1+n]
			}
		}
	default:
		return lr, vr, fmt.Errorf("%w: leaf list header %d", ErrRLPPrefix, node[0])
	}
	lr.Flag1, lr.Flag2 = enc.Flags()

	vr.RLP[0] = valItem[0]
	if valItem[0] >= rlpNil {
		if len(valItem) > 1 {
			vr.RLP[1] = valItem[1]
		}
		if len(valItem) > 2 {
			copy(vr.Bytes[:], valItem[2:])
		}
	}
	return lr, vr, nil
}

// Generate runs the sequential assignment pass: it parses the two proofs,
// threads the key accumulator root to leaf, synthesizes a placeholder level
// when the proof depths diverge by one, and returns the fully assigned grid.
func Generate(t *rlc.Table, p *ProofPair) (*Grid, error) {
	log := logger.Component("witness")

	levelsS, leafS, err := groupLevels(p.SNodes)
	if err != nil {
		return nil, fmt.Errorf("S proof: %w", err)
	}
	levelsC, leafC, err := groupLevels(p.CNodes)
	if err != nil {
		return nil, fmt.Errorf("C proof: %w", err)
	}

	var placeholder PlaceholderSide
	switch {
	case len(levelsS) == len(levelsC):
	case len(levelsS)+1 == len(levelsC):
		placeholder = PlaceholderS
	case len(levelsC)+1 == len(levelsS):
		placeholder = PlaceholderC
	default:
		return nil, fmt.Errorf("%w: proof depths %d/%d", ErrBranchInvariant, len(levelsS), len(levelsC))
	}
	depth := len(levelsS)
	if len(levelsC) > depth {
		depth = len(levelsC)
	}

	g := &Grid{
		RootS:            p.RootS,
		RootC:            p.RootC,
		LeafInFirstLevel: depth == 0,
	}

	// Drift bookkeeping for a placeholder level: the displaced leaf and its
	// remaining key nibbles at the divergence depth.
	var displacedLeaf []byte
	if placeholder == PlaceholderS {
		displacedLeaf = leafS
	} else if placeholder == PlaceholderC {
		displacedLeaf = leafC
	}

	k := NewKeyAccumulator()
	for i := 0; i < depth; i++ {
		var ls, lc nodeLevel
		isPH := placeholder != PlaceholderNone && i == depth-1
		switch {
		case !isPH:
			ls, lc = levelsS[i], levelsC[i]
			if (ls.ext == nil) != (lc.ext == nil) {
				return nil, fmt.Errorf("%w: extension present on one side only at level %d", ErrBranchInvariant, i)
			}
		case placeholder == PlaceholderS:
			lc = levelsC[i]
			ls = lc
		default:
			ls = levelsS[i]
			lc = ls
		}

		blk, err := buildBranchBlock(t, p.Key, k, ls, lc, isPH, placeholder, displacedLeaf)
		if err != nil {
			log.Debug().Int("level", i).Err(err).Msg("branch assignment failed")
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		if isPH {
			log.Debug().
				Int("level", i).
				Str("side", placeholder.String()).
				Int("drifted", blk.Ctx.DriftedIndex).
				Msg("synthesized placeholder branch")
		}
		log.Debug().
			Int("level", i).
			Bool("extension", blk.Ctx.IsExtension).
			Int("modified", blk.Ctx.ModifiedIndex).
			Int("nibbles", blk.Ctx.NibblesCount).
			Msg("assigned branch level")
		g.Branches = append(g.Branches, blk)
		k = blk.KeyAfter
	}

	if err := assignLeaf(t, g, p, leafS, leafC, placeholder); err != nil {
		return nil, err
	}

	log.Debug().
		Int("levels", len(g.Branches)).
		Str("placeholder", placeholder.String()).
		Msg("assigned proof grid")
	return g, nil
}

// buildBranchBlock assigns one trie level. For a placeholder level both
// sides carry the real side's children; the tracked hash on the synthetic
// side is the drifted child of the real branch.
func buildBranchBlock(t *rlc.Table, key [HashWidth]byte, start KeyAccumulator, ls, lc nodeLevel, isPH bool, ph PlaceholderSide, displacedLeaf []byte) (BranchBlock, error) {
	blk := BranchBlock{
		RawS:      ls.branch,
		RawC:      lc.branch,
		HeaderS:   branchHeader(ls.branch),
		HeaderC:   branchHeader(lc.branch),
		KeyBefore: start,
	}

	k := start
	if ls.ext != nil {
		ext, err := buildExtension(ls.ext, lc.ext)
		if err != nil {
			return blk, err
		}
		k, err = FoldExtension(t, k, ext)
		if err != nil {
			return blk, err
		}
		blk.Ext = ext
		blk.Ctx.IsExtension = true
	}
	blk.KeyAfterExt = k

	extNibbles := 0
	if blk.Ext != nil {
		extNibbles = blk.Ext.Nibbles()
	}
	// The extension segment must lie on the key path for the side being
	// proven; the displaced leaf shares it too (that is why it drifted).
	if extNibbles > 0 {
		segNibs, _ := extensionNibbles(blk.Ext.KeySegment)
		for j, n := range segNibs {
			if n != pathNibble(key, start.Nibbles+j) {
				return blk, fmt.Errorf("%w: extension nibble %d off the key path", ErrKeyContinuity, j)
			}
		}
	}

	blk.Ctx.C16 = !k.OddPosition()
	blk.Ctx.ModifiedIndex = int(pathNibble(key, k.Nibbles))
	blk.Ctx.DriftedIndex = blk.Ctx.ModifiedIndex
	blk.KeyAfter = k.FoldNibble(t, pathNibble(key, k.Nibbles))
	blk.Ctx.NibblesCount = blk.KeyAfter.Nibbles
	blk.Ctx.NotHashedS = len(ls.branch) < HashWidth
	blk.Ctx.NotHashedC = len(lc.branch) < HashWidth

	itemsS, err := splitItems(ls.branch)
	if err != nil {
		return blk, err
	}
	itemsC, err := splitItems(lc.branch)
	if err != nil {
		return blk, err
	}
	for j := 0; j < Arity; j++ {
		s, err := childSlot(itemsS[j])
		if err != nil {
			return blk, err
		}
		c, err := childSlot(itemsC[j])
		if err != nil {
			return blk, err
		}
		blk.Children[j] = BranchChild{S: s, C: c}
	}
	if len(itemsS[Arity]) != 1 || itemsS[Arity][0] != rlpNil {
		return blk, fmt.Errorf("%w: branch value slot is not nil", ErrRLPPrefix)
	}

	if isPH {
		blk.Ctx.Placeholder = ph
		// The displaced leaf's next nibble names the slot it drifted to.
		nibs, err := displacedKeyNibbles(displacedLeaf)
		if err != nil {
			return blk, err
		}
		if extNibbles >= len(nibs) {
			return blk, fmt.Errorf("%w: displaced leaf key exhausted by extension", ErrKeyContinuity)
		}
		blk.Ctx.DriftedIndex = int(nibs[extNibbles])
		if blk.Ctx.DriftedIndex == blk.Ctx.ModifiedIndex {
			return blk, fmt.Errorf("%w: drifted slot equals modified slot", ErrBranchInvariant)
		}
	}

	m, d := blk.Ctx.ModifiedIndex, blk.Ctx.DriftedIndex
	blk.Ctx.ModNodeHashS = childRLC(t, &blk.Children[m].S)
	blk.Ctx.ModNodeHashC = childRLC(t, &blk.Children[m].C)
	switch blk.Ctx.Placeholder {
	case PlaceholderS:
		blk.Ctx.ModNodeHashS = childRLC(t, &blk.Children[d].C)
	case PlaceholderC:
		blk.Ctx.ModNodeHashC = childRLC(t, &blk.Children[d].S)
	}
	return blk, nil
}

func buildExtension(rawS, rawC []byte) (*ExtensionInfo, error) {
	items, err := splitItems(rawS)
	if err != nil {
		return nil, err
	}
	if len(items) != 2 {
		return nil, fmt.Errorf("%w: extension with %d items", ErrRLPPrefix, len(items))
	}
	seg, err := itemContent(items[0])
	if err != nil {
		return nil, err
	}
	ext := &ExtensionInfo{RawS: rawS, RawC: rawC, KeySegment: append([]byte(nil), seg...)}
	for _, b := range seg[1:] {
		ext.SecondNibbles = append(ext.SecondNibbles, b&0x0f)
	}
	return ext, nil
}

// displacedKeyNibbles returns the remaining key nibbles of the leaf that a
// new branch displaced, i.e. the nibbles its key field carried at the
// divergence depth.
func displacedKeyNibbles(leaf []byte) ([]byte, error) {
	items, err := splitItems(leaf)
	if err != nil {
		return nil, err
	}
	field, err := itemContent(items[0])
	if err != nil {
		return nil, err
	}
	return terminalKeyNibbles(field)
}

// synthesizeDrifted re-encodes the displaced leaf with its key shortened by
// the nibbles the new level consumed.
func synthesizeDrifted(leaf []byte, consumed int) ([]byte, error) {
	items, err := splitItems(leaf)
	if err != nil {
		return nil, err
	}
	nibs, err := terminalKeyNibbles(mustContent(items[0]))
	if err != nil {
		return nil, err
	}
	if consumed > len(nibs) {
		return nil, fmt.Errorf("%w: drifted leaf key underflow", ErrKeyContinuity)
	}
	return gethrlp.EncodeToBytes([]interface{}{
		packTerminal(nibs[consumed:]),
		gethrlp.RawValue(items[1]),
	})
}

func mustContent(item []byte) []byte {
	c, _ := itemContent(item)
	return c
}

// assignLeaf fills the terminal five-row group and its derived cells.
func assignLeaf(t *rlc.Table, g *Grid, p *ProofPair, leafS, leafC []byte, ph PlaceholderSide) error {
	lb := &g.Leaf
	lb.RawS, lb.RawC = leafS, leafC

	var err error
	if lb.KeyS, lb.ValueS, err = buildLeafRows(leafS); err != nil {
		return fmt.Errorf("S leaf: %w", err)
	}
	if lb.KeyC, lb.ValueC, err = buildLeafRows(leafC); err != nil {
		return fmt.Errorf("C leaf: %w", err)
	}

	// Key contexts. The leaf on a placeholder side keeps its key state from
	// the level above the placeholder; everything else continues from the
	// last branch.
	last := len(g.Branches) - 1
	normalCtx := LeafContext{Start: rlc.NewAcc()}
	if last >= 0 {
		normalCtx = LeafContext{Start: g.Branches[last].KeyAfter.Acc, C16: g.Branches[last].Ctx.C16}
	}
	prevCtx := normalCtx
	prevNibbles := 0
	if last >= 0 {
		prevNibbles = g.Branches[last].KeyAfter.Nibbles
	}
	if ph != PlaceholderNone {
		prevCtx = LeafContext{Start: rlc.NewAcc()}
		prevNibbles = 0
		if last >= 1 {
			prevCtx = LeafContext{Start: g.Branches[last-1].KeyAfter.Acc, C16: g.Branches[last-1].Ctx.C16}
			prevNibbles = g.Branches[last-1].KeyAfter.Nibbles
		}
		lb.PrevKeyRLC = prevCtx.Start.RLC
		lb.PrevKeyMult = prevCtx.Start.Mult
	}

	ctxS, ctxC := normalCtx, normalCtx
	nibS, nibC := currentNibbles(g), currentNibbles(g)
	if ph == PlaceholderS {
		ctxS, nibS = prevCtx, prevNibbles
	} else if ph == PlaceholderC {
		ctxC, nibC = prevCtx, prevNibbles
	}

	var n int
	if lb.KeyRLCS, n, err = LeafKeyRLC(t, &lb.KeyS, ctxS); err != nil {
		return fmt.Errorf("S leaf key: %w", err)
	}
	if nibS+n != NibblesPerKey {
		return fmt.Errorf("%w: S path consumed %d nibbles", ErrNibbleCount, nibS+n)
	}
	if lb.KeyRLCC, n, err = LeafKeyRLC(t, &lb.KeyC, ctxC); err != nil {
		return fmt.Errorf("C leaf key: %w", err)
	}
	if nibC+n != NibblesPerKey {
		return fmt.Errorf("%w: C path consumed %d nibbles", ErrNibbleCount, nibC+n)
	}

	accS, err := leafRowState(t, &lb.KeyS)
	if err != nil {
		return err
	}
	accC, err := leafRowState(t, &lb.KeyC)
	if err != nil {
		return err
	}
	lb.RowRLCS, lb.RowMultS = accS.RLC, accS.Mult
	lb.RowRLCC, lb.RowMultC = accC.RLC, accC.Mult

	if ph != PlaceholderNone {
		drifted := p.DriftedNode
		if drifted == nil {
			displaced := leafS
			if ph == PlaceholderC {
				displaced = leafC
			}
			consumed := 1
			if ext := g.Branches[last].Ext; ext != nil {
				consumed += ext.Nibbles()
			}
			if drifted, err = synthesizeDrifted(displaced, consumed); err != nil {
				return err
			}
		}
		lb.RawDrifted = drifted
		if lb.Drifted, _, err = buildLeafRows(drifted); err != nil {
			return fmt.Errorf("drifted leaf: %w", err)
		}
		accD, err := leafRowState(t, &lb.Drifted)
		if err != nil {
			return err
		}
		lb.RowRLCDrifted, lb.RowMultDrifted = accD.RLC, accD.Mult
	}
	return nil
}

func currentNibbles(g *Grid) int {
	if len(g.Branches) == 0 {
		return 0
	}
	return g.Branches[len(g.Branches)-1].KeyAfter.Nibbles
}
