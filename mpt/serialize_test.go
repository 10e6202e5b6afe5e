package mpt

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestGridSerializeRoundTrip(t *testing.T) {
	tab := testTable(t)

	for _, build := range []func() *Grid{
		func() *Grid {
			_, pair := updatePair(t)
			g, err := Generate(tab, pair)
			require.NoError(t, err)
			return g
		},
		func() *Grid {
			_, pair, _ := insertPair(t)
			g, err := Generate(tab, pair)
			require.NoError(t, err)
			return g
		},
		func() *Grid {
			_, pair := extensionPair(t)
			g, err := Generate(tab, pair)
			require.NoError(t, err)
			return g
		},
	} {
		g := build()

		var buf bytes.Buffer
		n, err := g.WriteTo(&buf)
		require.NoError(t, err)
		require.Equal(t, int64(buf.Len()), n)

		var out Grid
		m, err := out.ReadFrom(&buf)
		require.NoError(t, err)
		require.Equal(t, n, m)

		require.Empty(t, cmp.Diff(g, &out))

		// A round-tripped grid still satisfies every constraint.
		require.NoError(t, out.Validate(tab))
	}
}
