package mpt

import "fmt"

// LeafEncoding classifies how a leaf (or drifted-leaf) row serializes its
// key. In memory the four cases are a plain enum; the two-flag product
// encoding used by the rows exists only at the Classify/Flags boundary.
type LeafEncoding uint8

const (
	// EncodingShort: single length-prefix byte, whole node <= 55 bytes.
	EncodingShort LeafEncoding = iota
	// EncodingLong: node longer than 55 bytes, list header is 248 followed
	// by a one-byte length; the key field shifts one payload position.
	EncodingLong
	// EncodingLastLevel: zero remaining key nibbles, the key item is the
	// bare terminal marker 32.
	EncodingLastLevel
	// EncodingOneNibble: exactly one remaining nibble, packed as 48+n.
	EncodingOneNibble
)

// Classify maps a (flag1, flag2) pair to its encoding case. Flags must be
// boolean; any other value is a constraint violation, not a decodable state.
//
//	flag1=1 flag2=0  ->  long
//	flag1=0 flag2=1  ->  short
//	flag1=1 flag2=1  ->  last level
//	flag1=0 flag2=0  ->  one nibble
func Classify(flag1, flag2 byte) (LeafEncoding, error) {
	if flag1 > 1 || flag2 > 1 {
		return 0, fmt.Errorf("%w: flag pair (%d,%d)", ErrMalformedFlags, flag1, flag2)
	}
	switch {
	case flag1 == 1 && flag2 == 0:
		return EncodingLong, nil
	case flag1 == 0 && flag2 == 1:
		return EncodingShort, nil
	case flag1 == 1 && flag2 == 1:
		return EncodingLastLevel, nil
	default:
		return EncodingOneNibble, nil
	}
}

// Flags is the inverse of Classify, used when serializing rows.
func (e LeafEncoding) Flags() (flag1, flag2 byte) {
	switch e {
	case EncodingLong:
		return 1, 0
	case EncodingShort:
		return 0, 1
	case EncodingLastLevel:
		return 1, 1
	default:
		return 0, 0
	}
}

func (e LeafEncoding) String() string {
	switch e {
	case EncodingShort:
		return "short"
	case EncodingLong:
		return "long"
	case EncodingLastLevel:
		return "last_level"
	case EncodingOneNibble:
		return "one_nibble"
	}
	return "unknown"
}
