package gadget

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/frontend"

	"github.com/zkmpt/mpt-circuit/mpt"
	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

func feVar(x fr.Element) frontend.Variable {
	return x.BigInt(new(big.Int))
}

func boolVar(b bool) frontend.Variable {
	if b {
		return 1
	}
	return 0
}

// hashRows accumulates the deduplicated (preimage RLC, digest RLC) table.
type hashRows struct {
	t    *rlc.Table
	pre  []fr.Element
	dig  []fr.Element
	seen map[string]int
}

func newHashRows(t *rlc.Table) *hashRows {
	return &hashRows{t: t, seen: make(map[string]int)}
}

func (h *hashRows) add(raw []byte) int {
	if i, ok := h.seen[string(raw)]; ok {
		return i
	}
	d := mpt.Keccak(raw)
	h.pre = append(h.pre, rlc.Bytes(h.t, raw))
	h.dig = append(h.dig, rlc.Bytes(h.t, d[:]))
	h.seen[string(raw)] = len(h.pre) - 1
	return len(h.pre) - 1
}

// WitnessFromGrid builds a circuit assignment from a validated grid. The
// grid must have exactly cfg.Levels branch levels; single-leaf tries and
// embedded (sub-hash-width) nodes stay witness-side only.
func WitnessFromGrid(t *rlc.Table, g *mpt.Grid, cfg Config) (*Circuit, error) {
	if g.LeafInFirstLevel || len(g.Branches) != cfg.Levels {
		return nil, fmt.Errorf("grid has %d levels, circuit wants %d", len(g.Branches), cfg.Levels)
	}

	w := New(cfg)
	w.Randomness = feVar(t.R())
	for i := 0; i < mpt.HashWidth; i++ {
		w.RootS[i] = g.RootS[i]
		w.RootC[i] = g.RootC[i]
	}

	rows := newHashRows(t)
	for i := range g.Branches {
		if err := assignBranchWires(t, rows, &w.Branches[i], &g.Branches[i]); err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
	}

	lb := &g.Leaf
	assignLeafWires(&w.LeafS, &lb.KeyS)
	assignLeafWires(&w.LeafC, &lb.KeyC)
	assignValueWires(&w.ValueS, &lb.ValueS)
	assignValueWires(&w.ValueC, &lb.ValueC)
	w.LeafHashIndexS = rows.add(lb.RawS)
	w.LeafHashIndexC = rows.add(lb.RawC)

	if lb.RawDrifted != nil {
		assignLeafWires(&w.Drifted, &lb.Drifted)
		w.DriftedHashIndex = rows.add(lb.RawDrifted)
	} else {
		// No placeholder: the drifted gates are disabled, the wires only
		// have to satisfy the row-shape constraints, which a copy of the S
		// leaf does.
		assignLeafWires(&w.Drifted, &lb.KeyS)
		w.DriftedHashIndex = w.LeafHashIndexS
	}

	if len(rows.pre) > cfg.TableRows {
		return nil, fmt.Errorf("grid needs %d hash rows, circuit has %d", len(rows.pre), cfg.TableRows)
	}
	for i := 0; i < cfg.TableRows; i++ {
		j := i
		if j >= len(rows.pre) {
			j = 0
		}
		w.HashPreimages[i] = feVar(rows.pre[j])
		w.HashDigests[i] = feVar(rows.dig[j])
	}
	return w, nil
}

func assignBranchWires(t *rlc.Table, rows *hashRows, w *BranchWires, blk *mpt.BranchBlock) error {
	assignHeader(&w.HeaderS, &w.IsLong1S, &w.IsLong2S, blk.HeaderS)
	assignHeader(&w.HeaderC, &w.IsLong1C, &w.IsLong2C, blk.HeaderC)

	for j := 0; j < mpt.Arity; j++ {
		if err := assignChild(&w.ChildrenS[j], &blk.Children[j].S); err != nil {
			return fmt.Errorf("S child %d: %w", j, err)
		}
		if err := assignChild(&w.ChildrenC[j], &blk.Children[j].C); err != nil {
			return fmt.Errorf("C child %d: %w", j, err)
		}
	}

	ctx := &blk.Ctx
	for j := 0; j < mpt.Arity; j++ {
		w.IsModified[j] = boolVar(j == ctx.ModifiedIndex)
		w.IsDrifted[j] = boolVar(j == ctx.DriftedIndex)
	}
	w.IsPlaceholderS = boolVar(ctx.Placeholder == mpt.PlaceholderS)
	w.IsPlaceholderC = boolVar(ctx.Placeholder == mpt.PlaceholderC)

	w.IsExtension = boolVar(ctx.IsExtension)
	w.ExtNibbles, w.ExtOddNibbles = 0, 0
	w.ExtHeader[0], w.ExtHeader[1] = 0, 0
	w.ExtIsLong, w.ExtSegHeader, w.ExtSegMulti = 0, 0, 0
	for j := range w.ExtSegBytes {
		w.ExtSegBytes[j] = 0
	}
	for j := range w.ExtSegInd {
		w.ExtSegInd[j] = 0
		w.ExtSecondNibbles[j] = 0
	}
	for i := range w.ExtChildS {
		w.ExtChildS[i] = 0
		w.ExtChildC[i] = 0
	}
	w.ExtHashIndexS, w.ExtHashIndexC = 0, 0
	if ext := blk.Ext; ext != nil {
		seg := ext.KeySegment
		if len(seg) > len(w.ExtSegBytes) {
			return fmt.Errorf("extension segment of %d bytes is not circuit-representable", len(seg))
		}
		if len(blk.RawS) < mpt.HashWidth || len(blk.RawC) < mpt.HashWidth {
			return fmt.Errorf("embedded extension child is not circuit-representable")
		}
		n := ext.Nibbles()
		w.ExtNibbles = n
		w.ExtOddNibbles = boolVar(n%2 == 1)
		w.ExtSegBytes[0] = seg[0]
		if len(seg) > 1 {
			w.ExtSegMulti = 1
			w.ExtSegHeader = 128 + len(seg)
			for j, b := range seg[1:] {
				w.ExtSegBytes[j+1] = b
				w.ExtSegInd[j] = 1
				w.ExtSecondNibbles[j] = b & 0x0f
			}
		}
		if raw := ext.RawS; raw[0] == 248 {
			w.ExtIsLong = 1
			w.ExtHeader[0], w.ExtHeader[1] = raw[0], raw[1]
		} else {
			w.ExtHeader[0] = raw[0]
		}
		dS := mpt.Keccak(blk.RawS)
		dC := mpt.Keccak(blk.RawC)
		for i := 0; i < mpt.HashWidth; i++ {
			w.ExtChildS[i] = dS[i]
			w.ExtChildC[i] = dC[i]
		}
		w.ExtHashIndexS = rows.add(blk.RawS)
		w.ExtHashIndexC = rows.add(blk.RawC)
	}

	w.C16 = boolVar(ctx.C16)
	w.NibblesCount = ctx.NibblesCount
	w.KeyExtRLC = feVar(blk.KeyAfterExt.Acc.RLC)
	w.KeyExtMult = feVar(blk.KeyAfterExt.Acc.Mult)
	w.KeyRLC = feVar(blk.KeyAfter.Acc.RLC)
	w.KeyMult = feVar(blk.KeyAfter.Acc.Mult)
	w.ModNodeHashS = feVar(ctx.ModNodeHashS)
	w.ModNodeHashC = feVar(ctx.ModNodeHashC)

	// A synthetic side is not committed anywhere above; its index parks on
	// row zero, which always exists.
	w.HashIndexS, w.HashIndexC = 0, 0
	if ctx.Placeholder != mpt.PlaceholderS {
		w.HashIndexS = rows.add(outer(blk, mpt.SideS))
	}
	if ctx.Placeholder != mpt.PlaceholderC {
		w.HashIndexC = rows.add(outer(blk, mpt.SideC))
	}
	return nil
}

func outer(blk *mpt.BranchBlock, s mpt.Side) []byte {
	if blk.Ext != nil {
		if s == mpt.SideS {
			return blk.Ext.RawS
		}
		return blk.Ext.RawC
	}
	return blk.Raw(s)
}

func assignHeader(h *[3]frontend.Variable, isLong1, isLong2 *frontend.Variable, header [3]byte) {
	for i := range h {
		h[i] = header[i]
	}
	*isLong1 = boolVar(header[0] == 248)
	*isLong2 = boolVar(header[0] == 249)
}

func assignChild(w *ChildWires, c *mpt.ChildSlot) error {
	if c.RLP2 == 0 && c.Bytes[0] > 192 {
		return fmt.Errorf("embedded branch child is not circuit-representable")
	}
	w.IsNil = boolVar(c.IsNil())
	for i, b := range c.Bytes {
		w.Bytes[i] = b
	}
	return nil
}

func assignLeafWires(w *LeafWires, r *mpt.LeafRow) {
	w.Flag1, w.Flag2 = r.Flag1, r.Flag2
	w.RLP[0], w.RLP[1] = r.RLP[0], r.RLP[1]
	for i, b := range r.Bytes {
		w.Bytes[i] = b
	}
	w.Cont[0], w.Cont[1] = r.Cont[0], r.Cont[1]

	enc, _ := r.Encoding()
	length := 0
	isLong := 0
	switch enc {
	case mpt.EncodingShort:
		length = int(r.RLP[1]) - 128
	case mpt.EncodingLong:
		length = int(r.Bytes[0]) - 128
		isLong = 1
	}
	for j := 0; j < mpt.HashWidth; j++ {
		w.KeyTailInd[j] = boolVar(j < length-1)
	}
	if length > 0 {
		w.NodeExp = 2 + length + isLong
	} else {
		w.NodeExp = 2
	}
}

func assignValueWires(w *ValueWires, v *mpt.ValueRow) {
	w.RLP[0], w.RLP[1] = v.RLP[0], v.RLP[1]
	for i, b := range v.Bytes {
		w.Bytes[i] = b
	}
}
