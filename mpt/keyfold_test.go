package mpt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

func startAcc(t *rlc.Table) rlc.Acc {
	// An arbitrary mid-path accumulator state.
	return rlc.NewAcc().FoldBytes(t, []byte{0x12, 0x34, 0x56})
}

func TestLeafKeyLastLevel(t *testing.T) {
	tab := testTable(t)
	start := startAcc(tab)

	row := LeafRow{Flag1: 1, Flag2: 1, RLP: [2]byte{0xc4, 32}}
	got, nibbles, err := LeafKeyRLC(tab, &row, LeafContext{Start: start})
	require.NoError(t, err)
	require.Equal(t, 0, nibbles)
	require.True(t, got.Equal(&start.RLC))

	// Zero remaining nibbles cannot sit at an odd key position.
	_, _, err = LeafKeyRLC(tab, &row, LeafContext{Start: start, C16: true})
	require.True(t, errors.Is(err, ErrMalformedFlags))
}

func TestLeafKeyOneNibble(t *testing.T) {
	tab := testTable(t)
	start := startAcc(tab)

	row := LeafRow{RLP: [2]byte{0xc3, 48 + 9}}
	got, nibbles, err := LeafKeyRLC(tab, &row, LeafContext{Start: start, C16: true})
	require.NoError(t, err)
	require.Equal(t, 1, nibbles)

	want := start.FoldScaled(9, 1).RLC
	require.True(t, got.Equal(&want))

	_, _, err = LeafKeyRLC(tab, &row, LeafContext{Start: start})
	require.True(t, errors.Is(err, ErrMalformedFlags))
}

func TestLeafKeyShortEven(t *testing.T) {
	tab := testTable(t)
	start := startAcc(tab)

	row := LeafRow{Flag2: 1, RLP: [2]byte{0xc6, 128 + 3}}
	row.Bytes[0], row.Bytes[1], row.Bytes[2] = 32, 0xab, 0xcd

	got, nibbles, err := LeafKeyRLC(tab, &row, LeafContext{Start: start})
	require.NoError(t, err)
	require.Equal(t, 4, nibbles)

	want := start.FoldBytes(tab, []byte{0xab, 0xcd}).RLC
	require.True(t, got.Equal(&want))
}

func TestLeafKeyShortOdd(t *testing.T) {
	tab := testTable(t)
	start := startAcc(tab)

	row := LeafRow{Flag2: 1, RLP: [2]byte{0xc6, 128 + 3}}
	row.Bytes[0], row.Bytes[1], row.Bytes[2] = 48+5, 0xab, 0xcd

	got, nibbles, err := LeafKeyRLC(tab, &row, LeafContext{Start: start, C16: true})
	require.NoError(t, err)
	require.Equal(t, 5, nibbles)

	want := start.FoldScaled(5, 1).Advance(tab).FoldBytes(tab, []byte{0xab, 0xcd}).RLC
	require.True(t, got.Equal(&want))

	// An odd prefix cannot continue an even context.
	_, _, err = LeafKeyRLC(tab, &row, LeafContext{Start: start})
	require.True(t, errors.Is(err, ErrRLPPrefix))
}

func TestLeafKeyTrailingJunk(t *testing.T) {
	tab := testTable(t)

	row := LeafRow{Flag2: 1, RLP: [2]byte{0xc6, 128 + 3}}
	row.Bytes[0], row.Bytes[1], row.Bytes[2] = 32, 0xab, 0xcd
	row.Bytes[9] = 1 // past the declared key field

	_, _, err := LeafKeyRLC(tab, &row, LeafContext{Start: startAcc(tab)})
	require.True(t, errors.Is(err, ErrRLPPrefix))
}

func TestFoldExtensionParity(t *testing.T) {
	tab := testTable(t)

	segments := map[string][]byte{
		"odd":  {0x13, 0x45},       // nibbles 3,4,5
		"even": {0x00, 0x45, 0x67}, // nibbles 4,5,6,7
	}
	starts := map[string]KeyAccumulator{
		"even-pos": NewKeyAccumulator().FoldNibble(tab, 1).FoldNibble(tab, 2),
		"odd-pos":  NewKeyAccumulator().FoldNibble(tab, 1),
	}

	for segName, seg := range segments {
		for startName, start := range starts {
			ext := &ExtensionInfo{KeySegment: seg}
			got, err := FoldExtension(tab, start, ext)
			require.NoError(t, err, "%s/%s", segName, startName)

			nibs, err := extensionNibbles(seg)
			require.NoError(t, err)
			want := start
			advances := 0
			for _, n := range nibs {
				if want.OddPosition() {
					advances++
				}
				want = want.FoldNibble(tab, n)
			}
			require.Equal(t, want, got, "%s/%s", segName, startName)

			p := tab.Pow(advances)
			require.True(t, ext.MultDiff.Equal(&p), "%s/%s", segName, startName)
		}
	}
}

func TestLeafRowStateContinuesIntoValue(t *testing.T) {
	tab := testTable(t)
	_, pair := updatePair(t)
	g, err := Generate(tab, pair)
	require.NoError(t, err)

	// The key-row state continued across the value row must reproduce the
	// byte RLC of the whole committed node.
	acc, err := leafRowState(tab, &g.Leaf.KeyS)
	require.NoError(t, err)
	want := rlc.Bytes(tab, g.Leaf.RawS)
	got := valueRowState(tab, acc, &g.Leaf.ValueS)
	require.True(t, got.Equal(&want))
}
