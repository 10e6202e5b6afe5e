package mpt

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/holiman/uint256"

	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

// Side selects the S ("before") or C ("after") half of a proof pair.
type Side uint8

const (
	SideS Side = iota
	SideC
)

func (s Side) String() string {
	if s == SideS {
		return "S"
	}
	return "C"
}

// PlaceholderSide marks which half of a branch level is synthetic. A
// placeholder is inserted on the side whose proof is one level shorter, so
// that the two proofs stay row-aligned across an insert or delete.
type PlaceholderSide uint8

const (
	PlaceholderNone PlaceholderSide = iota
	PlaceholderS
	PlaceholderC
)

func (p PlaceholderSide) String() string {
	switch p {
	case PlaceholderS:
		return "S"
	case PlaceholderC:
		return "C"
	}
	return "none"
}

// LeafRow is the fixed-width encoding of a leaf-key (or drifted-leaf) row:
// two structure flags, two leading RLP bytes, the 32-byte payload and two
// continuation bytes for key fields that overflow the payload width.
type LeafRow struct {
	Flag1, Flag2 byte
	RLP          [2]byte
	Bytes        [HashWidth]byte
	Cont         [2]byte
}

// Encoding classifies the row from its flags.
func (r *LeafRow) Encoding() (LeafEncoding, error) {
	return Classify(r.Flag1, r.Flag2)
}

// ValueRow carries the RLP-encoded leaf value, left-aligned: a single-byte
// value sits in RLP[0], longer values keep their item header in RLP and the
// body in Bytes.
type ValueRow struct {
	RLP   [2]byte
	Bytes [HashWidth]byte
}

// Value decodes the row back into a storage word.
func (v *ValueRow) Value() *uint256.Int {
	if v.RLP[0] < rlpNil {
		return uint256.NewInt(uint64(v.RLP[0]))
	}
	n := int(v.RLP[0]) - rlpNil
	// Double-encoded storage value: strip the inner string header too.
	body := append([]byte{v.RLP[1]}, v.Bytes[:]...)[:n]
	if n > 0 && body[0] >= rlpNil {
		body = body[1:]
	}
	return new(uint256.Int).SetBytes(body)
}

// ChildSlot is one side of a branch-child row: the second RLP byte (160 for
// a hashed child, 0 for nil or an embedded short node) and the payload.
type ChildSlot struct {
	RLP2  byte
	Bytes [HashWidth]byte
}

// IsNil reports an empty child (single 128 byte).
func (c *ChildSlot) IsNil() bool {
	return c.RLP2 == 0 && c.Bytes[0] == rlpNil
}

// encodedLen is the number of RLP bytes the child occupies inside its
// branch: 33 for a hashed child, 1 for nil, 1+len for an embedded node.
func (c *ChildSlot) encodedLen() int {
	switch {
	case c.RLP2 == rlpHashMarker:
		return 1 + HashWidth
	case c.RLP2 == 0 && c.Bytes[0] > rlpListShort:
		return 1 + int(c.Bytes[0]) - rlpListShort
	default:
		return 1
	}
}

// BranchChild pairs the S and C sides of one child position.
type BranchChild struct {
	S, C ChildSlot
}

func (b *BranchChild) side(s Side) *ChildSlot {
	if s == SideS {
		return &b.S
	}
	return &b.C
}

// KeyAccumulator is the running key state threaded root -> leaf: the RLC of
// consumed nibbles, the multiplier for the next contribution, and how many
// nibbles have been consumed. Updates are value-returning; the walk is a
// linear fold.
type KeyAccumulator struct {
	Acc     rlc.Acc
	Nibbles int
}

// NewKeyAccumulator returns the root state (0, 1, 0).
func NewKeyAccumulator() KeyAccumulator {
	return KeyAccumulator{Acc: rlc.NewAcc()}
}

// OddPosition reports whether the next nibble lands on an odd key position
// (contributing x1); even positions contribute x16.
func (k KeyAccumulator) OddPosition() bool { return k.Nibbles%2 == 1 }

// FoldNibble folds one nibble at the current position parity.
func (k KeyAccumulator) FoldNibble(t *rlc.Table, nibble byte) KeyAccumulator {
	if k.OddPosition() {
		k.Acc = k.Acc.FoldScaled(uint64(nibble), 1)
		k.Acc = k.Acc.Advance(t)
	} else {
		k.Acc = k.Acc.FoldScaled(uint64(nibble), 16)
	}
	k.Nibbles++
	return k
}

// BranchContext holds the per-branch facts computed once at the init row and
// read by the 16 child rows and the leaf rows below.
type BranchContext struct {
	IsExtension bool
	Placeholder PlaceholderSide
	NotHashedS  bool
	NotHashedC  bool

	ModifiedIndex int
	DriftedIndex  int

	// C16 reports that this branch's modified nibble contributed at x16
	// (even key position). Exactly one of C16 / !C16 ("c1") applies.
	C16 bool

	// NibblesCount is the running nibble total after this level.
	NibblesCount int

	// ModNodeHashS/C hold the RLC of the tracked child hash per side: the
	// modified child's hash, or the drifted child's hash on a placeholder
	// side.
	ModNodeHashS fr.Element
	ModNodeHashC fr.Element
}

// ModNodeHash returns the tracked child-hash RLC for one side.
func (c *BranchContext) ModNodeHash(s Side) fr.Element {
	if s == SideS {
		return c.ModNodeHashS
	}
	return c.ModNodeHashC
}

// ExtensionInfo carries the extension-node rows of a branch block: the raw
// encodings per side, the shared hex-prefix key segment, and the helper
// nibbles the circuit uses to split packed bytes when parity flips.
type ExtensionInfo struct {
	RawS, RawC []byte
	KeySegment []byte // hex-prefix encoded, first byte 0x00 or 0x1n
	// SecondNibbles[i] is the low nibble of KeySegment body byte i.
	SecondNibbles []byte
	// MultDiff is r^k for the k multiplier advances the extension key
	// caused; the drifted-leaf check reuses it.
	MultDiff fr.Element
}

// Nibbles is the nibble length of the extension key segment.
func (e *ExtensionInfo) Nibbles() int {
	if len(e.KeySegment) == 0 {
		return 0
	}
	if e.KeySegment[0] >= oddExtPrefix {
		return 2*(len(e.KeySegment)-1) + 1
	}
	return 2 * (len(e.KeySegment) - 1)
}

// BranchBlock is one trie level: the branch init context, the 16 child
// rows, an optional extension wrapper, and the key-accumulator snapshots
// the sequential assignment pass recorded. KeyAfterExt excludes the branch
// nibble itself; KeyAfter includes it.
type BranchBlock struct {
	RawS, RawC       []byte
	HeaderS, HeaderC [3]byte
	Children         [Arity]BranchChild
	Ext              *ExtensionInfo
	Ctx              BranchContext

	KeyBefore   KeyAccumulator
	KeyAfterExt KeyAccumulator
	KeyAfter    KeyAccumulator
}

// Raw returns the encoded branch node for one side.
func (b *BranchBlock) Raw(s Side) []byte {
	if s == SideS {
		return b.RawS
	}
	return b.RawC
}

// LeafBlock is the terminal five-row group: key/value rows for both sides
// and the drifted-leaf row (meaningful only under a placeholder branch).
type LeafBlock struct {
	KeyS, KeyC     LeafRow
	ValueS, ValueC ValueRow
	Drifted        LeafRow

	RawS, RawC, RawDrifted []byte

	// Assigned cells checked by the validation pass.
	KeyRLCS, KeyRLCC fr.Element
	RowRLCS          fr.Element
	RowRLCC          fr.Element
	RowRLCDrifted    fr.Element
	RowMultS         fr.Element
	RowMultC         fr.Element
	RowMultDrifted   fr.Element

	// Shadow cells for the after-placeholder context: the key state of the
	// level above the placeholder branch.
	PrevKeyRLC  fr.Element
	PrevKeyMult fr.Element
}

// Grid is a fully assigned witness for one storage-proof pair.
type Grid struct {
	RootS, RootC [HashWidth]byte
	Branches     []BranchBlock
	Leaf         LeafBlock

	// LeafInFirstLevel: the trie is a single leaf, no branch above it; all
	// placeholder and drift logic is suppressed.
	LeafInFirstLevel bool
}
