package mpt

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/zkmpt/mpt-circuit/mpt/rlc"
)

// LeafContext is the positional context a leaf-key row is evaluated in: the
// key accumulator inherited from the level above and the parity of the
// leaf's first nibble. Under C16 the first nibble shares the parent's
// multiplier (the branch nibble above sat at an even position); under c1 the
// remaining key is byte-aligned and the field starts with the bare 32
// prefix.
type LeafContext struct {
	Start rlc.Acc
	C16   bool
}

// keyField extracts the hex-prefix key field of a leaf row: the field bytes
// and the byte offset at which they start inside the row. Structural checks
// (list headers, length bounds, zero padding past the field) happen here, so
// callers see either a well-formed field or a violation.
func keyField(row *LeafRow) ([]byte, LeafEncoding, error) {
	enc, err := row.Encoding()
	if err != nil {
		return nil, 0, err
	}

	// Row bytes after the two RLP columns, in fold order.
	tail := make([]byte, 0, HashWidth+2)
	tail = append(tail, row.Bytes[:]...)
	tail = append(tail, row.Cont[0], row.Cont[1])

	var field []byte
	var used int // bytes of tail consumed by the key field
	switch enc {
	case EncodingShort:
		if row.RLP[0] <= rlpListShort || row.RLP[0] >= rlpListLong1 {
			return nil, 0, fmt.Errorf("%w: short leaf list header %d", ErrRLPPrefix, row.RLP[0])
		}
		l := int(row.RLP[1]) - rlpNil
		if l < 1 || l > HashWidth+1 {
			return nil, 0, fmt.Errorf("%w: short leaf key length %d", ErrRLPPrefix, l)
		}
		field = tail[:l]
		used = l
	case EncodingLong:
		if row.RLP[0] != rlpListLong1 {
			return nil, 0, fmt.Errorf("%w: long leaf list header %d", ErrRLPPrefix, row.RLP[0])
		}
		l := int(row.Bytes[0]) - rlpNil
		if l < 1 || l > HashWidth+1 {
			return nil, 0, fmt.Errorf("%w: long leaf key length %d", ErrRLPPrefix, l)
		}
		field = tail[1 : 1+l]
		used = 1 + l
	case EncodingLastLevel:
		if row.RLP[1] != evenLeafPrefix {
			return nil, 0, fmt.Errorf("%w: last-level key byte %d", ErrRLPPrefix, row.RLP[1])
		}
		field = []byte{row.RLP[1]}
	case EncodingOneNibble:
		if row.RLP[1] < oddLeafPrefix || row.RLP[1] >= oddLeafPrefix+16 {
			return nil, 0, fmt.Errorf("%w: one-nibble key byte %d", ErrRLPPrefix, row.RLP[1])
		}
		field = []byte{row.RLP[1]}
	}

	for i := used; i < len(tail); i++ {
		if tail[i] != 0 {
			return nil, 0, fmt.Errorf("%w: nonzero byte past key field at offset %d", ErrRLPPrefix, i)
		}
	}
	return field, enc, nil
}

// LeafKeyRLC folds a leaf-key row into its context and returns the final key
// RLC together with the number of nibbles the row consumed. The parity of
// the field's hex prefix must agree with the context: an even-prefix field
// (32) only continues a c1 context, an odd prefix (48+n) only a C16 one.
func LeafKeyRLC(t *rlc.Table, row *LeafRow, ctx LeafContext) (fr.Element, int, error) {
	field, enc, err := keyField(row)
	if err != nil {
		return fr.Element{}, 0, err
	}

	switch enc {
	case EncodingLastLevel:
		if ctx.C16 {
			return fr.Element{}, 0, fmt.Errorf("%w: last-level leaf in an odd-parity context", ErrMalformedFlags)
		}
		return ctx.Start.RLC, 0, nil
	case EncodingOneNibble:
		if !ctx.C16 {
			return fr.Element{}, 0, fmt.Errorf("%w: one-nibble leaf in an even-parity context", ErrMalformedFlags)
		}
		acc := ctx.Start.FoldScaled(uint64(row.RLP[1]-oddLeafPrefix), 1)
		return acc.RLC, 1, nil
	}

	// Short and long share the fold; they differ only in where the field
	// sits in the row, which keyField already resolved.
	acc := ctx.Start
	var nibbles int
	if ctx.C16 {
		if field[0] < oddLeafPrefix || field[0] >= oddLeafPrefix+16 {
			return fr.Element{}, 0, fmt.Errorf("%w: key prefix %d in an odd-parity context", ErrRLPPrefix, field[0])
		}
		acc = acc.FoldScaled(uint64(field[0]-oddLeafPrefix), 1)
		acc = acc.Advance(t)
		nibbles = 2*len(field) - 1
	} else {
		if field[0] != evenLeafPrefix {
			return fr.Element{}, 0, fmt.Errorf("%w: key prefix %d in an even-parity context", ErrRLPPrefix, field[0])
		}
		nibbles = 2 * (len(field) - 1)
	}
	acc = acc.FoldBytes(t, field[1:])
	return acc.RLC, nibbles, nil
}

// extensionNibbles decodes a hex-prefix extension segment into its nibble
// sequence. Extension prefixes are 0x00 (even) or 0x10+n (odd, n being the
// first nibble).
func extensionNibbles(segment []byte) ([]byte, error) {
	if len(segment) == 0 {
		return nil, fmt.Errorf("%w: empty extension key segment", ErrRLPPrefix)
	}
	var nibbles []byte
	switch {
	case segment[0] == evenExtPrefix:
	case segment[0] >= oddExtPrefix && segment[0] < evenLeafPrefix:
		nibbles = append(nibbles, segment[0]-oddExtPrefix)
	default:
		return nil, fmt.Errorf("%w: extension key prefix %d", ErrRLPPrefix, segment[0])
	}
	for _, b := range segment[1:] {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	if len(nibbles) == 0 {
		return nil, fmt.Errorf("%w: extension with no key nibbles", ErrRLPPrefix)
	}
	return nibbles, nil
}

// FoldExtension folds an extension-node key segment into the running key
// accumulator, nibble by nibble, and records the multiplier ratio the
// segment caused in ext.MultDiff. The four parity combinations (segment
// even/odd against accumulator even/odd) all reduce to the generic
// per-nibble fold.
func FoldExtension(t *rlc.Table, start KeyAccumulator, ext *ExtensionInfo) (KeyAccumulator, error) {
	nibbles, err := extensionNibbles(ext.KeySegment)
	if err != nil {
		return KeyAccumulator{}, err
	}
	k := start
	for _, n := range nibbles {
		k = k.FoldNibble(t, n)
	}
	// Mult advances once per odd-position nibble crossed.
	advances := (start.Nibbles+len(nibbles))/2 - start.Nibbles/2
	ext.MultDiff = t.Pow(advances)
	return k, nil
}

// leafRowState is the node-byte accumulator state after a leaf-key row: the
// RLC of the node bytes the row covers and the multiplier the value row
// continues from.
func leafRowState(t *rlc.Table, row *LeafRow) (rlc.Acc, error) {
	field, enc, err := keyField(row)
	if err != nil {
		return rlc.Acc{}, err
	}
	acc := rlc.NewAcc().FoldByte(t, row.RLP[0]).FoldByte(t, row.RLP[1])
	switch enc {
	case EncodingShort:
		acc = acc.FoldBytes(t, field)
	case EncodingLong:
		acc = acc.FoldByte(t, row.Bytes[0]).FoldBytes(t, field)
	}
	// Last-level and one-nibble keys live entirely in the RLP columns.
	return acc, nil
}

// valueRowState continues the node-byte accumulator across a value row and
// returns the full-node RLC used for hash linkage.
func valueRowState(t *rlc.Table, acc rlc.Acc, v *ValueRow) fr.Element {
	acc = acc.FoldByte(t, v.RLP[0])
	if v.RLP[0] >= rlpNil {
		n := int(v.RLP[0]) - rlpNil
		body := append([]byte{v.RLP[1]}, v.Bytes[:]...)
		acc = acc.FoldBytes(t, body[:n])
	}
	return acc.RLC
}
