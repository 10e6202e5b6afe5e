package rlc

import (
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func testTable(tb testing.TB, n int) *Table {
	tb.Helper()
	var r fr.Element
	_, err := r.SetRandom()
	require.NoError(tb, err)
	return NewTable(r, n)
}

func TestBytesSmall(t *testing.T) {
	var r fr.Element
	r.SetUint64(10)
	tab := NewTable(r, 8)

	// 3 + 5·10 + 7·100 = 753
	got := Bytes(tab, []byte{3, 5, 7})
	var want fr.Element
	want.SetUint64(753)
	require.True(t, got.Equal(&want))
}

func TestFoldScaledAdvance(t *testing.T) {
	tab := testTable(t, 4)

	// Folding the two nibbles of a byte separately must equal folding the
	// byte: hi·16·m + lo·m, advancing once.
	b := byte(0xa7)
	byByte := NewAcc().FoldByte(tab, b)
	byNibble := NewAcc().
		FoldScaled(uint64(b>>4), 16).
		FoldScaled(uint64(b&0x0f), 1).
		Advance(tab)
	require.True(t, byByte.RLC.Equal(&byNibble.RLC))
	require.True(t, byByte.Mult.Equal(&byNibble.Mult))
}

func TestConcatProperty(t *testing.T) {
	tab := testTable(t, 128)
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("rlc(a++b) = rlc(a) + rlc(b)·r^len(a)", prop.ForAll(
		func(a, b []byte) bool {
			whole := Bytes(tab, append(append([]byte{}, a...), b...))

			partA := NewAcc().FoldBytes(tab, a)
			partB := Bytes(tab, b)
			var shifted fr.Element
			shifted.Mul(&partB, &partA.Mult)
			shifted.Add(&shifted, &partA.RLC)
			return whole.Equal(&shifted)
		},
		gen.SliceOfN(33, gen.UInt8()),
		gen.SliceOfN(40, gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestPowMatchesFold(t *testing.T) {
	tab := testTable(t, 64)
	acc := NewAcc()
	for i := 0; i < 64; i++ {
		p := tab.Pow(i)
		require.True(t, acc.Mult.Equal(&p), "power %d", i)
		acc = acc.Advance(tab)
	}
}
