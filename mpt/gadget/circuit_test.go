package gadget

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/test"
	gethrlp "github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"github.com/zkmpt/mpt-circuit/mpt"
	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

func testTable(tb testing.TB) *rlc.Table {
	tb.Helper()
	var r fr.Element
	_, err := r.SetRandom()
	require.NoError(tb, err)
	return rlc.NewTable(r, 128)
}

func nibblesOf(key [mpt.HashWidth]byte) []byte {
	out := make([]byte, 0, mpt.NibblesPerKey)
	for _, b := range key {
		out = append(out, b>>4, b&0x0f)
	}
	return out
}

func packTerminal(nibbles []byte) []byte {
	var out []byte
	if len(nibbles)%2 == 1 {
		out = append(out, 48+nibbles[0])
		nibbles = nibbles[1:]
	} else {
		out = append(out, 32)
	}
	for i := 0; i < len(nibbles); i += 2 {
		out = append(out, nibbles[i]<<4|nibbles[i+1])
	}
	return out
}

func leafNode(tb testing.TB, nibbles, value []byte) []byte {
	tb.Helper()
	inner, err := gethrlp.EncodeToBytes(value)
	require.NoError(tb, err)
	node, err := gethrlp.EncodeToBytes([]interface{}{packTerminal(nibbles), inner})
	require.NoError(tb, err)
	return node
}

func branchNode(tb testing.TB, children map[int][mpt.HashWidth]byte) []byte {
	tb.Helper()
	items := make([][]byte, mpt.Arity+1)
	for i := range items {
		items[i] = []byte{}
	}
	for slot, h := range children {
		hh := h
		items[slot] = hh[:]
	}
	node, err := gethrlp.EncodeToBytes(items)
	require.NoError(tb, err)
	return node
}

func testKey(first byte) [mpt.HashWidth]byte {
	var key [mpt.HashWidth]byte
	for i := range key {
		key[i] = byte((i*13 + 5) % 256)
	}
	key[0] = first<<4 | key[0]&0x0f
	return key
}

func updateGrid(tb testing.TB, tab *rlc.Table) *mpt.Grid {
	tb.Helper()
	keyA, keyB := testKey(3), testKey(7)

	val1 := make([]byte, mpt.HashWidth)
	val2 := make([]byte, mpt.HashWidth)
	for i := range val1 {
		val1[i] = 0x44
		val2[i] = 0x55
	}
	leafA1 := leafNode(tb, nibblesOf(keyA)[1:], val1)
	leafA2 := leafNode(tb, nibblesOf(keyA)[1:], val2)
	leafB := leafNode(tb, nibblesOf(keyB)[1:], []byte{0x2a})

	branchS := branchNode(tb, map[int][mpt.HashWidth]byte{
		3: mpt.Keccak(leafA1), 7: mpt.Keccak(leafB),
	})
	branchC := branchNode(tb, map[int][mpt.HashWidth]byte{
		3: mpt.Keccak(leafA2), 7: mpt.Keccak(leafB),
	})

	g, err := mpt.Generate(tab, &mpt.ProofPair{
		Key:    keyA,
		RootS:  mpt.Keccak(branchS),
		RootC:  mpt.Keccak(branchC),
		SNodes: [][]byte{branchS, leafA1},
		CNodes: [][]byte{branchC, leafA2},
	})
	require.NoError(tb, err)
	require.NoError(tb, g.Validate(tab))
	return g
}

func insertGrid(tb testing.TB, tab *rlc.Table) *mpt.Grid {
	tb.Helper()
	keyA, keyB := testKey(3), testKey(7)

	leafB := leafNode(tb, nibblesOf(keyB), []byte{0x01, 0x02, 0x03})
	leafA := leafNode(tb, nibblesOf(keyA)[1:], []byte{0x05})
	drifted := leafNode(tb, nibblesOf(keyB)[1:], []byte{0x01, 0x02, 0x03})

	branchC := branchNode(tb, map[int][mpt.HashWidth]byte{
		3: mpt.Keccak(leafA), 7: mpt.Keccak(drifted),
	})

	g, err := mpt.Generate(tab, &mpt.ProofPair{
		Key:    keyA,
		RootS:  mpt.Keccak(leafB),
		RootC:  mpt.Keccak(branchC),
		SNodes: [][]byte{leafB},
		CNodes: [][]byte{branchC, leafA},
	})
	require.NoError(tb, err)
	require.NoError(tb, g.Validate(tab))
	return g
}

func extensionGrid(tb testing.TB, tab *rlc.Table) *mpt.Grid {
	tb.Helper()
	keyA, keyB := testKey(5), testKey(5)
	keyA[0] = 5<<4 | 0x3
	keyB[0] = 5<<4 | 0x9

	leafA1 := leafNode(tb, nibblesOf(keyA)[2:], []byte{0x0a})
	leafA2 := leafNode(tb, nibblesOf(keyA)[2:], []byte{0x0b})
	leafB := leafNode(tb, nibblesOf(keyB)[2:], []byte{0x0c})

	branchS := branchNode(tb, map[int][mpt.HashWidth]byte{
		3: mpt.Keccak(leafA1), 9: mpt.Keccak(leafB),
	})
	branchC := branchNode(tb, map[int][mpt.HashWidth]byte{
		3: mpt.Keccak(leafA2), 9: mpt.Keccak(leafB),
	})
	extNode := func(branch []byte) []byte {
		h := mpt.Keccak(branch)
		node, err := gethrlp.EncodeToBytes([]interface{}{[]byte{0x15}, h[:]})
		require.NoError(tb, err)
		return node
	}
	extS, extC := extNode(branchS), extNode(branchC)

	g, err := mpt.Generate(tab, &mpt.ProofPair{
		Key:    keyA,
		RootS:  mpt.Keccak(extS),
		RootC:  mpt.Keccak(extC),
		SNodes: [][]byte{extS, branchS, leafA1},
		CNodes: [][]byte{extC, branchC, leafA2},
	})
	require.NoError(tb, err)
	require.NoError(tb, g.Validate(tab))
	return g
}

func twoLevelGrid(tb testing.TB, tab *rlc.Table) *mpt.Grid {
	tb.Helper()
	keyA := testKey(3)
	keyA[0] = 3<<4 | 0x4
	keyB := keyA
	keyB[0] = 3<<4 | 0x9
	keyC := testKey(7)

	leafA1 := leafNode(tb, nibblesOf(keyA)[2:], []byte{0x11})
	leafA2 := leafNode(tb, nibblesOf(keyA)[2:], []byte{0x22})
	leafB := leafNode(tb, nibblesOf(keyB)[2:], []byte{0x33})
	leafC := leafNode(tb, nibblesOf(keyC)[1:], []byte{0x44})

	innerS := branchNode(tb, map[int][mpt.HashWidth]byte{
		4: mpt.Keccak(leafA1), 9: mpt.Keccak(leafB),
	})
	innerC := branchNode(tb, map[int][mpt.HashWidth]byte{
		4: mpt.Keccak(leafA2), 9: mpt.Keccak(leafB),
	})
	topS := branchNode(tb, map[int][mpt.HashWidth]byte{
		3: mpt.Keccak(innerS), 7: mpt.Keccak(leafC),
	})
	topC := branchNode(tb, map[int][mpt.HashWidth]byte{
		3: mpt.Keccak(innerC), 7: mpt.Keccak(leafC),
	})

	g, err := mpt.Generate(tab, &mpt.ProofPair{
		Key:    keyA,
		RootS:  mpt.Keccak(topS),
		RootC:  mpt.Keccak(topC),
		SNodes: [][]byte{topS, innerS, leafA1},
		CNodes: [][]byte{topC, innerC, leafA2},
	})
	require.NoError(tb, err)
	require.NoError(tb, g.Validate(tab))
	return g
}

func TestCircuitExtensionSolves(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	g := extensionGrid(t, tab)
	w, err := WitnessFromGrid(tab, g, cfg)
	assert.NoError(err)
	assert.NoError(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitUpdateSolves(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	g := updateGrid(t, tab)
	w, err := WitnessFromGrid(tab, g, cfg)
	assert.NoError(err)
	assert.NoError(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitInsertSolves(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	g := insertGrid(t, tab)
	w, err := WitnessFromGrid(tab, g, cfg)
	assert.NoError(err)
	assert.NoError(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitTwoLevelSolves(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 2, TableRows: 8}

	g := twoLevelGrid(t, tab)
	w, err := WitnessFromGrid(tab, g, cfg)
	assert.NoError(err)
	assert.NoError(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitRejectsTamperedKeyChain(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	w, err := WitnessFromGrid(tab, updateGrid(t, tab), cfg)
	assert.NoError(err)
	w.Branches[0].KeyRLC = 1234
	assert.Error(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitRejectsDivergenceOutsideModified(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	w, err := WitnessFromGrid(tab, updateGrid(t, tab), cfg)
	assert.NoError(err)
	// Slot 7 holds the untouched sibling; any S/C split there must fail.
	w.Branches[0].ChildrenS[7].Bytes[4] = 0x99
	assert.Error(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitRejectsForgedRoot(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	w, err := WitnessFromGrid(tab, updateGrid(t, tab), cfg)
	assert.NoError(err)
	w.RootC[0] = 0xff
	assert.Error(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitRejectsForgedExtensionKey(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	w, err := WitnessFromGrid(tab, extensionGrid(t, tab), cfg)
	assert.NoError(err)
	// Shift the post-extension accumulator and the branch-level key by the
	// same offset: the levels stay mutually consistent, so only the
	// in-circuit segment fold can catch the forgery.
	delta := big.NewInt(123456789)
	b := &w.Branches[0]
	b.KeyExtRLC = new(big.Int).Add(b.KeyExtRLC.(*big.Int), delta)
	b.KeyRLC = new(big.Int).Add(b.KeyRLC.(*big.Int), delta)
	assert.Error(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitRejectsExtensionChildTear(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	w, err := WitnessFromGrid(tab, extensionGrid(t, tab), cfg)
	assert.NoError(err)
	// The child item of the wrapper must stay the digest of the branch
	// below it.
	w.Branches[0].ExtChildS[4] = 0x99
	assert.Error(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}

func TestCircuitRejectsDriftedKeyTear(t *testing.T) {
	assert := test.NewAssert(t)
	tab := testTable(t)
	cfg := Config{Levels: 1, TableRows: 8}

	w, err := WitnessFromGrid(tab, insertGrid(t, tab), cfg)
	assert.NoError(err)
	w.Drifted.Bytes[4] = 0x99
	assert.Error(test.IsSolved(New(cfg), w, ecc.BN254.ScalarField()))
}
