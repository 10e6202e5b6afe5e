package mpt

import (
	"errors"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

func TestValidateMutations(t *testing.T) {
	tab := testTable(t)

	var one fr.Element
	one.SetOne()

	cases := []struct {
		name   string
		mutate func(g *Grid)
		want   error
	}{
		{
			name:   "parity flag flipped",
			mutate: func(g *Grid) { g.Branches[0].Ctx.C16 = !g.Branches[0].Ctx.C16 },
			want:   ErrKeyContinuity,
		},
		{
			name:   "nibble counter off by one",
			mutate: func(g *Grid) { g.Branches[0].Ctx.NibblesCount++ },
			want:   ErrNibbleCount,
		},
		{
			name: "tracked child hash stale",
			mutate: func(g *Grid) {
				g.Branches[0].Children[3].C.Bytes[0] ^= 1
			},
			want: ErrBranchInvariant,
		},
		{
			name: "divergence outside modified slot",
			mutate: func(g *Grid) {
				g.Branches[0].Children[7].S.Bytes[5] ^= 1
			},
			want: ErrBranchInvariant,
		},
		{
			name: "length countdown broken",
			mutate: func(g *Grid) {
				g.Branches[0].Children[12].S.RLP2 = rlpHashMarker
				g.Branches[0].Children[12].S.Bytes[0] = 0
				g.Branches[0].Children[12].C = g.Branches[0].Children[12].S
			},
			want: ErrBranchInvariant,
		},
		{
			name: "leaf key cell stale",
			mutate: func(g *Grid) {
				g.Leaf.KeyRLCS.Add(&g.Leaf.KeyRLCS, &one)
			},
			want: ErrKeyContinuity,
		},
		{
			name: "long leaf without its list header",
			mutate: func(g *Grid) {
				g.Leaf.KeyS.RLP[0] = 247
			},
			want: ErrRLPPrefix,
		},
		{
			name: "terminal flags without a terminal row",
			mutate: func(g *Grid) {
				g.Leaf.KeyS.Flag1, g.Leaf.KeyS.Flag2 = 1, 1
			},
			// Flagging a long-leaf row as last-level reclassifies it, so the
			// key field trips on the RLP shape before the parity gate runs.
			want: ErrRLPPrefix,
		},
		{
			name: "root rewired",
			mutate: func(g *Grid) {
				g.RootC[0] ^= 1
			},
			want: ErrHashLinkage,
		},
		{
			name: "drifted leaf without placeholder",
			mutate: func(g *Grid) {
				g.Leaf.RawDrifted = g.Leaf.RawS
			},
			want: ErrBranchInvariant,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, pair := updatePair(t)
			g, err := Generate(tab, pair)
			require.NoError(t, err)
			require.NoError(t, g.Validate(tab))

			tc.mutate(g)
			err = g.Validate(tab)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestValidatePlaceholderMutations(t *testing.T) {
	tab := testTable(t)

	cases := []struct {
		name   string
		mutate func(g *Grid)
		want   error
	}{
		{
			name: "drifted slot collapsed onto modified",
			mutate: func(g *Grid) {
				g.Branches[0].Ctx.DriftedIndex = g.Branches[0].Ctx.ModifiedIndex
			},
			want: ErrBranchInvariant,
		},
		{
			name: "drifted key torn from displaced leaf",
			mutate: func(g *Grid) {
				g.Leaf.Drifted.Bytes[4] ^= 1
			},
			want: ErrKeyContinuity,
		},
		{
			name: "shadow key cells stale",
			mutate: func(g *Grid) {
				var one fr.Element
				one.SetOne()
				g.Leaf.PrevKeyRLC.Add(&g.Leaf.PrevKeyRLC, &one)
			},
			want: ErrKeyContinuity,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, pair, _ := insertPair(t)
			g, err := Generate(tab, pair)
			require.NoError(t, err)
			require.NoError(t, g.Validate(tab))

			tc.mutate(g)
			err = g.Validate(tab)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

// TestKeyRLCRoundTrip checks, over random keys, that threading the key
// accumulator through a branch level and the leaf row reproduces the plain
// byte RLC of the path.
func TestKeyRLCRoundTrip(t *testing.T) {
	tab := testTable(t)
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("grid key RLC equals byte RLC of the path", prop.ForAll(
		func(raw []byte) bool {
			var key [HashWidth]byte
			copy(key[:], raw)
			key[0] = 3<<4 | key[0]&0x0f

			other := key
			other[0] = 7<<4 | other[0]&0x0f

			leaf1 := encodeLeaf(t, keyNibbles(key)[1:], []byte{0x01})
			leaf2 := encodeLeaf(t, keyNibbles(key)[1:], []byte{0x02})
			leafO := encodeLeaf(t, keyNibbles(other)[1:], []byte{0x03})
			branchS := encodeBranch(t, map[int][HashWidth]byte{
				3: Keccak(leaf1), 7: Keccak(leafO),
			})
			branchC := encodeBranch(t, map[int][HashWidth]byte{
				3: Keccak(leaf2), 7: Keccak(leafO),
			})
			pair := &ProofPair{
				Key:    key,
				RootS:  Keccak(branchS),
				RootC:  Keccak(branchC),
				SNodes: [][]byte{branchS, leaf1},
				CNodes: [][]byte{branchC, leaf2},
			}

			g, err := Generate(tab, pair)
			if err != nil {
				return false
			}
			if err := g.Validate(tab); err != nil {
				return false
			}
			want := rlc.Bytes(tab, key[:])
			return g.Leaf.KeyRLCS.Equal(&want) && g.Leaf.KeyRLCC.Equal(&want)
		},
		gen.SliceOfN(HashWidth, gen.UInt8()),
	))

	properties.TestingRun(t)
}
